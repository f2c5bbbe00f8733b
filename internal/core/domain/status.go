package domain

import "errors"

// Status is the processing state of a record. Transitions are enforced through
// CanTransition; the only regressions allowed are lease-expiry requeue
// (RequeueTarget) and an explicit operator reset (CanReset).
type Status string

const (
	// StatusPending means the record was migrated and awaits coarse classification.
	StatusPending Status = "pending"
	// StatusProcessing means a worker currently holds a claim on the record.
	StatusProcessing Status = "processing"
	// StatusClassified means coarse groups were assigned and the record awaits a final code.
	StatusClassified Status = "classified"
	// StatusNoneClassified means coarse classification found no matching group. Terminal.
	StatusNoneClassified Status = "none_classified"
	// StatusFinalized means a final classification code was assigned. Terminal.
	StatusFinalized Status = "finalized"
	// StatusFailed means processing exhausted its retry budget. Terminal.
	StatusFailed Status = "failed"
)

// ErrInvalidTransition is returned when a status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions defines the forward moves of the record state machine.
// Key is the current status, value is the list of valid next statuses.
var ValidTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusClassified, StatusNoneClassified, StatusFinalized, StatusFailed},
	StatusClassified: {StatusProcessing},
}

// CanTransition checks if a forward transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status is an end state of the pipeline.
func (s Status) Terminal() bool {
	return s == StatusNoneClassified || s == StatusFinalized || s == StatusFailed
}

// RequeueTarget returns the status a processing record reverts to when its claim
// lease expires: records that already carry coarse groups were claimed by stage
// two and go back to classified, everything else goes back to pending.
func RequeueTarget(groups []string) Status {
	if len(groups) > 0 {
		return StatusClassified
	}
	return StatusPending
}

// CanReset reports whether an operator may reset a record in the given status
// back to pending. Only failed records qualify; everything else moves forward.
func CanReset(s Status) bool {
	return s == StatusFailed
}
