package task

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every engine component. Callers test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrUnsupported      = errors.New("unsupported")
	ErrNoSuitableAgent  = errors.New("no suitable agent")
	ErrValidation       = errors.New("validation failed")
	ErrTimeout          = errors.New("timeout")
	ErrExternal         = errors.New("external failure")
	ErrStopped          = errors.New("stopped")
	ErrCancelled        = errors.New("cancelled")
)

// StageError wraps a failure of one capability type within a pipeline stage.
type StageError struct {
	StageID     string
	AgentType   string
	Err         error
	Recoverable bool
}

func (e *StageError) Error() string {
	if e.AgentType == "" {
		return fmt.Sprintf("stage %q: %v", e.StageID, e.Err)
	}
	return fmt.Sprintf("stage %q (%s): %v", e.StageID, e.AgentType, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsRetryable reports whether a queue-level failure is worth another attempt.
// Explicit stops and cancellations are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrStopped) && !errors.Is(err, ErrCancelled)
}
