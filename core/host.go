package core

import "time"

// Intent selects which readiness a Notifier watches.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentWrite:
		return "write"
	default:
		return "unknown"
	}
}

// HostLoop is the native event loop the Hub runs on.
//
// Exec, ProcessEvents, SingleShot and NewNotifier are only called from the goroutine
// running the loop (or from a task holding the hub's execution token, which is
// serialized with it). Quit and Post must be safe from any goroutine.
type HostLoop interface {
	// Exec dispatches events until Quit is called.
	Exec() error

	// Quit asks the running Exec to return.
	Quit()

	// ProcessEvents runs one non-blocking dispatch pass.
	ProcessEvents()

	// SingleShot arms a one-shot timer that invokes fn on the loop goroutine.
	SingleShot(d time.Duration, fn func()) NativeTimer

	// NewNotifier watches fd for the given readiness and invokes fn on the loop
	// goroutine while it is ready and the notifier is enabled. New notifiers are enabled.
	NewNotifier(fd int, intent Intent, fn func()) (Notifier, error)

	// Post queues fn to run on the loop goroutine.
	Post(fn func()) error
}

// NativeTimer is a host timer handle.
type NativeTimer interface {
	// Stop prevents the timer from firing. It returns false if the timer already
	// fired or was stopped.
	Stop() bool
}

// Notifier is a host readiness notifier.
type Notifier interface {
	SetEnabled(enabled bool)
	Close() error
}

// LocalLoop is a nested event loop that must run on the loop goroutine.
type LocalLoop interface {
	Exec() error
}

// Dialog is a modal UI element whose Exec runs a nested loop until it is closed.
type Dialog interface {
	Exec() (int, error)
}
