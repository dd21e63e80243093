package core

import (
	"context"
	"time"
)

// blockingTask returns the task allowed to suspend on this goroutine.
func (h *Hub) blockingTask() (*Task, error) {
	if t := h.currentTask(); t != nil {
		return t, nil
	}
	if h.inLoopGoroutine() {
		return nil, ErrWouldBlockLoop
	}
	return nil, ErrNotInTask
}

// Sleep suspends the calling task for d. It returns early with the kill cause, or
// with the cause of ctx when ctx ends first.
func (h *Hub) Sleep(ctx context.Context, d time.Duration) error {
	t, err := h.blockingTask()
	if err != nil {
		return err
	}
	return t.block(ctx, func(seq uint64) func() {
		tm := h.AddTimer(d, func() { h.wake(t, seq, nil) })
		return func() { h.CancelTimer(tm) }
	})
}

// Yield lets every other ready task and callback run once.
func (h *Hub) Yield(ctx context.Context) error {
	return h.Sleep(ctx, 0)
}

// WaitReadable suspends the calling task until fd is readable.
func (h *Hub) WaitReadable(ctx context.Context, fd int) error {
	return h.waitFD(ctx, fd, IntentRead)
}

// WaitWritable suspends the calling task until fd is writable.
func (h *Hub) WaitWritable(ctx context.Context, fd int) error {
	return h.waitFD(ctx, fd, IntentWrite)
}

func (h *Hub) waitFD(ctx context.Context, fd int, intent Intent) error {
	t, err := h.blockingTask()
	if err != nil {
		return err
	}
	var regErr error
	err = t.block(ctx, func(seq uint64) func() {
		var l *Listener
		l, regErr = h.RegisterListener(fd, intent, func() {
			h.wake(t, seq, nil)
		})
		if regErr != nil {
			// nothing to wait for; resume on the next pass with the error
			h.AddTimer(0, func() { h.wake(t, seq, regErr) })
			return nil
		}
		return func() { h.UnregisterListener(l) }
	})
	return err
}

// Sleep suspends the task carried by ctx. See Hub.Sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	h := HubFromContext(ctx)
	if h == nil {
		return ErrNotInTask
	}
	return h.Sleep(ctx, d)
}

// Yield lets other tasks run. See Hub.Yield.
func Yield(ctx context.Context) error {
	return Sleep(ctx, 0)
}
