package metrics

const (
	// common prefix for all metric names
	prefix = "sokovan_scheduler_"

	// Prometheus Labels
	scalingGroupLabel = "scalingGroup"
	kindLabel         = "kind"
	retryableLabel    = "retryable"
	stepLabel         = "step"
	resultLabel       = "result"
	typeLabel         = "type"
	statusLabel       = "status"
	slotLabel         = "slot"

	// Termination results
	succeeded = "succeeded"
	failed    = "failed"
)
