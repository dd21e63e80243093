package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TaskFunc is the body of a cooperative task. It runs on its own goroutine but only
// while it holds the hub's execution token.
type TaskFunc func(ctx context.Context) error

// =============================================================================
// TaskID
// =============================================================================

// TaskID identifies a task for logs and history.
type TaskID uuid.UUID

// GenerateTaskID returns a new random TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero TaskID.
func (id TaskID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// =============================================================================
// TaskState
// =============================================================================

type TaskState int32

const (
	// TaskPending: spawned, not resumed yet
	TaskPending TaskState = iota

	// TaskRunning: holds the execution token
	TaskRunning

	// TaskSuspended: parked at a suspension point
	TaskSuspended

	// TaskFinished: body returned (with or without error)
	TaskFinished

	// TaskKilled: finished because Kill was requested
	TaskKilled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskFinished:
		return "finished"
	case TaskKilled:
		return "killed"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// errTaskGoexit is the result of a task whose goroutine called runtime.Goexit.
var errTaskGoexit = errors.New("taskhub: task goroutine exited")

// =============================================================================
// Task
// =============================================================================

type resumeValue struct {
	err error
}

// Task is a handle to a cooperative task.
//
// Fields without atomic types are only touched from the loop context (the loop
// goroutine or the task currently holding the execution token).
type Task struct {
	id    TaskID
	name  string
	label string
	group string
	hub   *Hub
	fn    TaskFunc

	state  atomic.Int32
	gid    atomic.Uint64
	resume chan resumeValue

	ctx    context.Context
	cancel context.CancelCauseFunc

	killCause     error
	waitSeq       uint64
	pendingCancel func()
	startTimer    *Timer
	links         []func(*Task)
	guards        []*OwnerGuard
	joiners       map[uint64]func()
	nextJoiner    uint64

	startedAt  time.Time
	finishedAt time.Time

	err  error
	done chan struct{}
}

type taskKeyType struct{}

var taskKey taskKeyType

// CurrentTask returns the task carried by ctx, or nil.
func CurrentTask(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(taskKey); v != nil {
		return v.(*Task)
	}
	return nil
}

// ID returns the task id.
func (t *Task) ID() TaskID { return t.id }

// Name returns the name the task was spawned with ("" when unnamed).
func (t *Task) Name() string { return t.name }

// Group returns the name of the group that spawned the task.
func (t *Task) Group() string { return t.group }

// State returns the current task state. Safe from any goroutine.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Done is closed once the task finished or was killed.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task result once Done is closed; nil before that.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Context returns the task context. It is canceled with the kill cause.
func (t *Task) Context() context.Context { return t.ctx }

func (t *Task) finished() bool {
	s := t.State()
	return s == TaskFinished || s == TaskKilled
}

// Kill requests the task to stop at its next suspension point. Its pending wait is
// unregistered before Kill returns when called from the loop context; from any
// other goroutine the request is marshaled onto the loop.
//
// A nil cause means ErrTaskKilled.
func (t *Task) Kill(cause error) {
	if cause == nil {
		cause = ErrTaskKilled
	}
	t.hub.runInContext(func() {
		t.hub.kill(t, cause)
	})
}

// Wait blocks until the task finished and returns its result: nil, the body's
// error, or the kill cause (see IsCancellation).
//
// From a task it suspends the caller; from a foreign goroutine it blocks on Done or
// ctx; from the loop goroutine it fails with ErrWouldBlockLoop unless already done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	default:
	}

	h := t.hub
	if caller := h.currentTask(); caller != nil {
		if caller == t {
			return fmt.Errorf("task %s waiting on itself: %w", t.label, ErrWouldBlockLoop)
		}
		err := caller.block(ctx, func(seq uint64) func() {
			return t.addJoiner(func() {
				h.callSoon(func() { h.wake(caller, seq, nil) })
			})
		})
		if err != nil {
			return err
		}
		return t.err
	}
	if h.inLoopGoroutine() {
		return ErrWouldBlockLoop
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Link registers fn to run on the loop context when the task finishes. If the
// task already finished, fn is scheduled right away.
func (t *Task) Link(fn func(*Task)) {
	if fn == nil {
		return
	}
	t.hub.runInContext(func() {
		if t.finished() {
			t.hub.callSoon(func() { fn(t) })
			return
		}
		t.links = append(t.links, fn)
	})
}

func (t *Task) addJoiner(fn func()) func() {
	if t.joiners == nil {
		t.joiners = make(map[uint64]func())
	}
	t.nextJoiner++
	id := t.nextJoiner
	t.joiners[id] = fn
	return func() { delete(t.joiners, id) }
}

// checkAlive reports why the task must not suspend any more.
func (t *Task) checkAlive() error {
	if t.killCause != nil {
		return t.killCause
	}
	for _, g := range t.guards {
		if !g.OwnerAlive() {
			return ErrOwnerGone
		}
	}
	return nil
}

// block parks the task until a registered source wakes it. register arms the source
// with the current wait sequence and returns its unregister function.
//
// Must be called on the task's own goroutine while it holds the token.
func (t *Task) block(ctx context.Context, register func(seq uint64) func()) error {
	if t.gid.Load() != goid() {
		return ErrWrongGoroutine
	}
	if err := t.checkAlive(); err != nil {
		return err
	}

	t.waitSeq++
	seq := t.waitSeq
	t.pendingCancel = register(seq)

	if ctx != nil && ctx.Done() != nil && ctx.Done() != t.ctx.Done() {
		h := t.hub
		stop := context.AfterFunc(ctx, func() {
			cause := context.Cause(ctx)
			_ = h.loop.Post(func() { h.wake(t, seq, cause) })
		})
		defer stop()
	}

	return t.suspend()
}

// suspend hands the token back to the loop and parks until resumed.
func (t *Task) suspend() error {
	t.state.Store(int32(TaskSuspended))
	t.hub.back <- struct{}{}
	r := <-t.resume
	t.state.Store(int32(TaskRunning))
	return r.err
}

// main is the task goroutine.
func (t *Task) main() {
	r := <-t.resume
	t.gid.Store(goid())
	t.state.Store(int32(TaskRunning))
	t.startedAt = time.Now()

	err := errTaskGoexit
	defer func() {
		t.hub.finish(t, err)
		t.hub.back <- struct{}{}
	}()

	if r.err != nil {
		err = r.err
		return
	}
	err = t.run()
}

func (t *Task) run() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			t.hub.reportPanic(t.ctx, t.label, t.group, rec, stack)
			err = &PanicError{Value: rec, Stack: stack}
		}
	}()
	return t.fn(t.ctx)
}
