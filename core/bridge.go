package core

import (
	"context"
	"runtime"
	"runtime/debug"
)

// callSafely runs fn and turns a panic into a *PanicError.
func callSafely[T any](ctx context.Context, h *Hub, what string, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			h.reportPanic(ctx, what, "", rec, stack)
			err = &PanicError{Value: rec, Stack: stack}
		}
	}()
	return fn(ctx)
}

// CallInLoop runs fn on the loop goroutine and returns its result.
//
// On the loop goroutine, or while the hub is not running, fn is called directly.
// From a task it is scheduled with a zero-delay timer and the task suspends; from a
// foreign goroutine it is posted and the caller blocks until the result arrives or
// ctx ends. A panic in fn comes back as a *PanicError.
func CallInLoop[T any](ctx context.Context, h *Hub, fn func(ctx context.Context) (T, error)) (T, error) {
	if h.inLoopGoroutine() || !h.IsRunning() {
		return fn(ctx)
	}

	ev := NewEvent[T](h)
	h.callSoon(func() {
		v, err := callSafely(h.loopCtx, h, "call in loop", fn)
		_ = ev.resolve(v, err)
	})
	return ev.Wait(ctx)
}

// RunInNewThread runs fn on a new goroutine locked to its own OS thread and
// returns its outcome. The result is handed back through the loop, so a waiting
// task is resumed by the loop like any other wake-up.
func RunInNewThread[T any](ctx context.Context, h *Hub, fn func(ctx context.Context) (T, error)) (T, error) {
	if h.inLoopGoroutine() {
		var zero T
		return zero, ErrWouldBlockLoop
	}

	ev := NewEvent[T](h)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		v, err := callSafely(ctx, h, "run in new thread", fn)
		if err != nil {
			h.logger.Warn("background thread returned an error", F("error", err))
		}
		deliver := func() { _ = ev.resolve(v, err) }
		if perr := h.loop.Post(deliver); perr != nil {
			// loop is gone, foreign waiters still need the result
			deliver()
		}
	}()
	return ev.Wait(ctx)
}

// RunLocalLoop runs a nested loop on the loop goroutine until it exits.
func RunLocalLoop(ctx context.Context, h *Hub, loop LocalLoop) error {
	_, err := CallInLoop(ctx, h, func(context.Context) (struct{}, error) {
		return struct{}{}, loop.Exec()
	})
	return err
}

// RunDialog shows a modal dialog from the loop goroutine and returns its result.
func RunDialog(ctx context.Context, h *Hub, d Dialog) (int, error) {
	return CallInLoop(ctx, h, func(context.Context) (int, error) {
		return d.Exec()
	})
}
