package pulsarutils

import (
	gocontext "context"
	"sync"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
)

const sendTimeout = time.Millisecond * 100

func TestPublishMessages(t *testing.T) {
	tests := map[string]struct {
		msgs                  []*pulsar.ProducerMessage
		maxAllowedMessageSize uint
		failAfter             int
		sendDuration          time.Duration
		expectedSent          int
		expectError           bool
	}{
		"publishes every message": {
			msgs:         []*pulsar.ProducerMessage{{Key: "s1", Payload: []byte("a")}, {Key: "s2", Payload: []byte("b")}},
			failAfter:    -1,
			expectedSent: 2,
		},
		"no messages": {
			failAfter: -1,
		},
		"rejects oversized messages before sending": {
			msgs:                  []*pulsar.ProducerMessage{{Key: "s1", Payload: []byte("small")}, {Key: "s2", Payload: make([]byte, 64)}},
			maxAllowedMessageSize: 32,
			failAfter:             -1,
			expectError:           true,
		},
		"returns error if some messages fail": {
			msgs:         []*pulsar.ProducerMessage{{Key: "s1"}, {Key: "s2"}, {Key: "s3"}},
			failAfter:    1,
			expectedSent: 1,
			expectError:  true,
		},
		"returns error if sending exceeds the timeout": {
			msgs:         []*pulsar.ProducerMessage{{Key: "s1"}},
			failAfter:    -1,
			sendDuration: sendTimeout * 2,
			expectError:  true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			producer := &fakeProducer{failAfter: tc.failAfter, sendDuration: tc.sendDuration}
			publisher := NewPulsarPublisherFromProducer(producer, tc.maxAllowedMessageSize, sendTimeout)

			err := publisher.PublishMessages(sokovancontext.Background(), tc.msgs...)
			if tc.expectError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, producer.sent, tc.expectedSent)
		})
	}
}

type fakeProducer struct {
	mu           sync.Mutex
	sent         []*pulsar.ProducerMessage
	attempts     int
	failAfter    int
	sendDuration time.Duration
}

func (p *fakeProducer) Topic() string {
	return "topic"
}

func (p *fakeProducer) Name() string {
	return "name"
}

func (p *fakeProducer) Send(gocontext.Context, *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProducer) SendAsync(ctx gocontext.Context, msg *pulsar.ProducerMessage, f func(pulsar.MessageID, *pulsar.ProducerMessage, error)) {
	time.Sleep(p.sendDuration)
	if ctx.Err() != nil {
		f(nil, msg, ctx.Err())
		return
	}
	p.mu.Lock()
	p.attempts++
	fail := p.failAfter >= 0 && p.attempts > p.failAfter
	if !fail {
		p.sent = append(p.sent, msg)
	}
	p.mu.Unlock()
	if fail {
		f(nil, msg, errors.New("error from fake pulsar producer"))
		return
	}
	f(nil, msg, nil)
}

func (p *fakeProducer) LastSequenceID() int64 {
	return 0
}

func (p *fakeProducer) Flush() error {
	return nil
}

func (p *fakeProducer) FlushWithCtx(gocontext.Context) error {
	return nil
}

func (p *fakeProducer) Close() {}
