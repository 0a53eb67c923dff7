package prioritization

import (
	"golang.org/x/exp/slices"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// Prioritizer orders pending sessions. The order is total, so the result never depends on input order.
type Prioritizer interface {
	Prioritize(pending []*schedulerobjects.SessionWorkload) []*schedulerobjects.SessionWorkload
}

// New returns the prioritizer for a scheduler policy.
func New(policy schedulerobjects.SchedulerPolicy) (Prioritizer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	switch policy {
	case schedulerobjects.PolicyLIFO:
		return LIFO{}, nil
	case schedulerobjects.PolicyPriorityFIFO:
		return Priority{Within: FIFO{}}, nil
	case schedulerobjects.PolicyPriorityLIFO:
		return Priority{Within: LIFO{}}, nil
	default:
		return FIFO{}, nil
	}
}

// comparer is implemented by the prioritizers that Priority can wrap.
type comparer interface {
	compare(a, b *schedulerobjects.SessionWorkload) int
}

// FIFO schedules the oldest session first.
// Sessions created at the same time are ordered by priority, highest first, then by id.
type FIFO struct{}

func (p FIFO) Prioritize(pending []*schedulerobjects.SessionWorkload) []*schedulerobjects.SessionWorkload {
	return sorted(pending, p.compare)
}

func (FIFO) compare(a, b *schedulerobjects.SessionWorkload) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return tieBreak(a, b)
}

// LIFO schedules the newest session first, with the same tie-break as FIFO.
type LIFO struct{}

func (p LIFO) Prioritize(pending []*schedulerobjects.SessionWorkload) []*schedulerobjects.SessionWorkload {
	return sorted(pending, p.compare)
}

func (LIFO) compare(a, b *schedulerobjects.SessionWorkload) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return tieBreak(a, b)
}

// Priority schedules higher priorities first and orders sessions of equal priority with Within.
type Priority struct {
	Within comparer
}

func (p Priority) Prioritize(pending []*schedulerobjects.SessionWorkload) []*schedulerobjects.SessionWorkload {
	return sorted(pending, p.compare)
}

func (p Priority) compare(a, b *schedulerobjects.SessionWorkload) int {
	if a.Priority != b.Priority {
		return comparePriority(a, b)
	}
	return p.Within.compare(a, b)
}

func comparePriority(a, b *schedulerobjects.SessionWorkload) int {
	switch {
	case a.Priority > b.Priority:
		return -1
	case a.Priority < b.Priority:
		return 1
	}
	return 0
}

func tieBreak(a, b *schedulerobjects.SessionWorkload) int {
	if c := comparePriority(a, b); c != 0 {
		return c
	}
	switch {
	case a.SessionID < b.SessionID:
		return -1
	case a.SessionID > b.SessionID:
		return 1
	}
	return 0
}

func sorted(pending []*schedulerobjects.SessionWorkload, compare func(a, b *schedulerobjects.SessionWorkload) int) []*schedulerobjects.SessionWorkload {
	rv := slices.Clone(pending)
	slices.SortFunc(rv, compare)
	return rv
}

// PickSession returns the first session in ordered, not in excluded, whose whole request fits in capacity.
func PickSession(
	capacity resources.ResourceSlot,
	ordered []*schedulerobjects.SessionWorkload,
	excluded map[string]bool,
) (*schedulerobjects.SessionWorkload, bool) {
	for _, w := range ordered {
		if excluded[w.SessionID] {
			continue
		}
		if capacity.GE(w.RequestedSlots()) {
			return w, true
		}
	}
	return nil, false
}

// Picker walks an ordered pending list once. A session passed over for lack of capacity is not
// looked at again in the same pass, even if capacity is freed later; it is retried on the next pass.
type Picker struct {
	ordered []*schedulerobjects.SessionWorkload
	next    int
	skipped []string
}

func NewPicker(ordered []*schedulerobjects.SessionWorkload) *Picker {
	return &Picker{ordered: ordered}
}

// Next returns the next session that fits in capacity, or false once the list is exhausted.
func (p *Picker) Next(capacity resources.ResourceSlot) (*schedulerobjects.SessionWorkload, bool) {
	for p.next < len(p.ordered) {
		w := p.ordered[p.next]
		p.next++
		if capacity.GE(w.RequestedSlots()) {
			return w, true
		}
		p.skipped = append(p.skipped, w.SessionID)
	}
	return nil, false
}

// Skipped returns the ids of sessions passed over for lack of capacity so far.
func (p *Picker) Skipped() []string {
	return slices.Clone(p.skipped)
}
