package recovery

import (
	"errors"
	"fmt"
	"time"
)

// Input errors reject a request synchronously; no run is created or the run
// is left in Pending. Step and validation errors are recorded on the run.
var (
	ErrInvalidBackup        = errors.New("recovery: backup missing or not completed")
	ErrUnknownScenario      = errors.New("recovery: unknown scenario")
	ErrInvalidScope         = errors.New("recovery: invalid target scope")
	ErrScopeLocked          = errors.New("recovery: target scope locked by another run")
	ErrEscalated            = errors.New("recovery: manual intervention required")
	ErrCancelled            = errors.New("recovery: run cancelled")
	ErrConfirmationRequired = errors.New("recovery: confirmation gate")
	ErrNotCancellable       = errors.New("recovery: run cannot be cancelled")
	ErrRunNotFound          = errors.New("recovery: run not found")
)

// StepExecutionError wraps the underlying engine or infrastructure failure
// for one step.
type StepExecutionError struct {
	Step  string
	Cause error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("recovery: step %q failed: %v", e.Step, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// StepTimeoutError reports a step that did not reach a terminal engine
// status within its per-step budget.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("recovery: step %q timed out after %s", e.Step, e.Timeout)
}

// ValidationTimeoutError reports that health checks did not converge within
// the scenario's validation window.
type ValidationTimeoutError struct {
	Window time.Duration
}

func (e *ValidationTimeoutError) Error() string {
	return fmt.Sprintf("recovery: service health did not converge within %s", e.Window)
}
