package recovery

import "github.com/grandir66/dapx-backandrepl/internal/perr"

// Status enumerates recovery_jobs.current_status, mirroring
// internal/store.RecoveryStatus without importing the store package (pipeline
// packages stay storage-agnostic; the scheduler translates between the two).
type Status string

const (
	StatusPending     Status = "pending"
	StatusBackingUp   Status = "backing_up"
	StatusRestoring   Status = "restoring"
	StatusRegistering Status = "registering"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// CanStart reports whether a new run may begin from the given current
// status: a run may start from pending, failed, completed or an unset
// status; the busy states backing_up, restoring and registering reject a
// new trigger with ErrAlreadyRunning.
func CanStart(current Status) error {
	if current == StatusPending || current == StatusFailed || current == StatusCompleted || current == "" {
		return nil
	}
	return perr.ErrAlreadyRunning
}

// NextOnSuccess returns the status a successful phase transitions to.
func NextOnSuccess(current Status) Status {
	switch current {
	case StatusBackingUp:
		return StatusRestoring
	case StatusRestoring:
		return StatusRegistering
	case StatusRegistering:
		return StatusCompleted
	default:
		return current
	}
}
