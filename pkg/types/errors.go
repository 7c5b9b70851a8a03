package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the control plane's error taxonomy. Callers classify
// with errors.Is; everything not explicitly non-retryable is treated as
// transient by the scheduler.
var (
	// ErrNotFound: the named project, task, or certificate does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNameTaken: the project name is already reserved.
	ErrNameTaken = errors.New("project name already taken")

	// ErrInvalidTransition: the signal is not valid for the current state.
	// Rejected synchronously, no task is enqueued.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCapacity: admission denied, the caller should retry later.
	ErrCapacity = errors.New("capacity exhausted, try again later")

	// ErrRetryExhausted: a task ran out of retries; the project is Errored.
	ErrRetryExhausted = errors.New("retries exhausted")
)

// InvalidTransitionError reports a signal rejected for the current state.
type InvalidTransitionError struct {
	State  ProjectState
	Signal Signal
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: signal %q in state %q", e.Signal, e.State)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// IsRetryable reports whether the scheduler may retry a failed task. The
// non-retryable classes (invalid transition, not found, name conflict,
// capacity denial) drive the project to Errored or surface to the caller
// immediately instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNameTaken),
		errors.Is(err, ErrCapacity),
		errors.Is(err, ErrRetryExhausted):
		return false
	}
	return true
}
