package schedulerobjects

import "github.com/sokovan/sokovan/internal/scheduler/resources"

// KeypairResourcePolicy holds the limits applied to sessions owned by one access key.
// Zero counts mean unlimited, as do slot names absent from the slot limits.
type KeypairResourcePolicy struct {
	AccessKey                      string
	TotalResourceSlots             resources.ResourceSlot
	MaxConcurrentSessions          int
	MaxPendingSessionCount         int
	MaxPendingSessionResourceSlots resources.ResourceSlot
}

// ResourceLimit is a slot quota for a user, group or domain. Absent slot names are unlimited.
type ResourceLimit struct {
	ID                 string
	TotalResourceSlots resources.ResourceSlot
}
