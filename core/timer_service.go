package core

import (
	"container/heap"
	"time"
)

// Timer is a hub timer. The hub keeps every pending timer in a heap ordered by
// deadline and backs each one with a native one-shot timer.
type Timer struct {
	deadline time.Time
	seq      uint64
	cb       func()
	native   NativeTimer
	index    int // for heap interface, -1 when not scheduled
	canceled bool
}

// Deadline returns the absolute time the timer was scheduled for.
func (t *Timer) Deadline() time.Time { return t.deadline }

// timerHeap implements heap.Interface ordered by (deadline, seq).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*Timer)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// AddTimer schedules cb to run on the loop goroutine after d. From a foreign
// goroutine the timer is armed asynchronously; Deadline is still fixed at call time.
func (h *Hub) AddTimer(d time.Duration, cb func()) *Timer {
	if d < 0 {
		d = 0
	}
	t := &Timer{
		deadline: time.Now().Add(d),
		cb:       cb,
		index:    -1,
	}
	h.runInContext(func() { h.armTimer(t) })
	return t
}

func (h *Hub) armTimer(t *Timer) {
	if t.canceled {
		return
	}
	h.timerSeq++
	t.seq = h.timerSeq
	heap.Push(&h.timers, t)
	h.timersChanged()
	t.native = h.loop.SingleShot(time.Until(t.deadline), func() { h.fireTimer(t) })
}

func (h *Hub) fireTimer(t *Timer) {
	if t.index < 0 {
		return
	}
	heap.Remove(&h.timers, t.index)
	h.timersChanged()
	t.native = nil
	cb := t.cb
	t.cb = nil
	if cb != nil {
		h.safeCallback("timer", cb)
	}
}

// CancelTimer cancels a pending timer. Cancelling a fired or canceled timer is a no-op.
func (h *Hub) CancelTimer(t *Timer) {
	if t == nil {
		return
	}
	h.runInContext(func() {
		t.canceled = true
		t.cb = nil
		if t.index >= 0 {
			heap.Remove(&h.timers, t.index)
			h.timersChanged()
		}
		if t.native != nil {
			t.native.Stop()
			t.native = nil
		}
	})
}

// NextDeadline returns the earliest pending timer deadline. Loop context only.
func (h *Hub) NextDeadline() (time.Time, bool) {
	if len(h.timers) == 0 {
		return time.Time{}, false
	}
	return h.timers[0].deadline, true
}

func (h *Hub) timersChanged() {
	n := len(h.timers)
	h.timerCount.Store(int64(n))
	h.metrics.RecordPendingTimers(n)
}
