package taskhub

import (
	"context"
	"time"

	"github.com/Swind/go-task-hub/core"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskhub package for most use cases.

// Hub runs cooperative tasks on a host loop
type Hub = core.Hub

// HubConfig holds hub handlers and limits
type HubConfig = core.HubConfig

// HostLoop is the contract a native event loop implements to host a hub
type HostLoop = core.HostLoop

// Task is a cooperative task
type Task = core.Task

// TaskFunc is the body of a task
type TaskFunc = core.TaskFunc

// TaskState is the lifecycle state of a task
type TaskState = core.TaskState

// TaskGroup is a named set of tasks with an error boundary
type TaskGroup = core.TaskGroup

// Event is a one-shot, resettable value shared between tasks and goroutines
type Event[T any] = core.Event[T]

// Lifetime is embedded by owners that bind tasks
type Lifetime = core.Lifetime

// Ref is a weak reference to an owner handed to bound tasks
type Ref[T any] = core.Ref[T]

// Logger is the structured logger used by the hub
type Logger = core.Logger

// State constants
const (
	TaskPending   TaskState = core.TaskPending
	TaskRunning   TaskState = core.TaskRunning
	TaskSuspended TaskState = core.TaskSuspended
	TaskFinished  TaskState = core.TaskFinished
	TaskKilled    TaskState = core.TaskKilled
)

// Errors
var (
	ErrOwnerGone      = core.ErrOwnerGone
	ErrTaskKilled     = core.ErrTaskKilled
	ErrNotInTask      = core.ErrNotInTask
	ErrWouldBlockLoop = core.ErrWouldBlockLoop
	ErrHubNotRunning  = core.ErrHubNotRunning
)

// Constructors
var (
	NewHub         = core.NewHub
	NewTaskGroup   = core.NewTaskGroup
	NewEventLoop   = core.NewEventLoop
	CurrentTask    = core.CurrentTask
	IsCancellation = core.IsCancellation
)

// NewEvent creates an event bound to h.
func NewEvent[T any](h *Hub) *Event[T] {
	return core.NewEvent[T](h)
}

// Sleep suspends the calling task for d.
func Sleep(ctx context.Context, d time.Duration) error {
	return core.Sleep(ctx, d)
}

// Yield lets other ready tasks and loop events run before resuming.
func Yield(ctx context.Context) error {
	return core.Yield(ctx)
}

// CallInLoop runs fn on the loop goroutine and returns its result.
func CallInLoop[T any](ctx context.Context, h *Hub, fn func(ctx context.Context) (T, error)) (T, error) {
	return core.CallInLoop(ctx, h, fn)
}

// RunInNewThread runs blocking fn on a dedicated OS thread while the calling task waits.
func RunInNewThread[T any](ctx context.Context, h *Hub, fn func(ctx context.Context) (T, error)) (T, error) {
	return core.RunInNewThread(ctx, h, fn)
}
