package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrOwnerGone is the cancellation cause of a task whose owner was destroyed.
	// It is treated as a silent cancellation at every task boundary.
	ErrOwnerGone = errors.New("taskhub: owner is gone")

	// ErrTaskKilled is the default cancellation cause passed to Task.Kill.
	ErrTaskKilled = errors.New("taskhub: task killed")

	ErrNotInTask       = errors.New("taskhub: blocking call outside of a task")
	ErrWouldBlockLoop  = errors.New("taskhub: blocking call would block the event loop")
	ErrAbortWaitInLoop = errors.New("taskhub: abort with wait from the event loop context")
	ErrHubRunning      = errors.New("taskhub: hub is already running")
	ErrHubNotRunning   = errors.New("taskhub: hub is not running")
	ErrListenerExists  = errors.New("taskhub: listener already registered for fd and intent")
	ErrEventAlreadySet = errors.New("taskhub: event is already set")
	ErrLoopClosed      = errors.New("taskhub: event loop closed")
	ErrWrongGoroutine  = errors.New("taskhub: task suspended from a foreign goroutine")
)

// PanicError carries a panic recovered at a task or callback boundary.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("taskhub: panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IsCancellation reports whether err means "the task was asked to stop" rather than
// an application failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrTaskKilled) ||
		errors.Is(err, ErrOwnerGone) ||
		errors.Is(err, context.Canceled)
}
