package scheduler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
)

func TestLeaderStatusMetricsCollector(t *testing.T) {
	tests := map[string]struct {
		events          []bool // true gains leadership, false loses it
		expectedStatus  int
		expectedChanges int
	}{
		"standby by default": {},
		"gains leadership": {
			events:          []bool{true},
			expectedStatus:  1,
			expectedChanges: 1,
		},
		"gains then loses leadership": {
			events:          []bool{true, false},
			expectedStatus:  0,
			expectedChanges: 2,
		},
		"repeated notifications are not changes": {
			events:          []bool{true, true, false, false},
			expectedStatus:  0,
			expectedChanges: 2,
		},
		"losing without leading is not a change": {
			events: []bool{false},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			collector := NewLeaderStatusMetricsCollector("scheduler-0")
			for _, leading := range tc.events {
				if leading {
					collector.onStartedLeading(sokovancontext.Background())
				} else {
					collector.onStoppedLeading()
				}
			}

			expected := fmt.Sprintf(`
# HELP sokovan_scheduler_instance_leader_election_status 1 when this scheduler instance leads, 0 when it is a standby.
# TYPE sokovan_scheduler_instance_leader_election_status gauge
sokovan_scheduler_instance_leader_election_status{name="scheduler-0"} %d
# HELP sokovan_scheduler_instance_leader_changes_total Times this scheduler instance gained or lost leadership.
# TYPE sokovan_scheduler_instance_leader_changes_total counter
sokovan_scheduler_instance_leader_changes_total{name="scheduler-0"} %d
`, tc.expectedStatus, tc.expectedChanges)
			assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))
		})
	}
}
