package core

import (
	"container/heap"
	"time"
)

// loopTimer is a one-shot native timer owned by an EventLoop.
type loopTimer struct {
	loop  *EventLoop
	runAt time.Time
	seq   uint64
	fn    func()
	index int // for heap interface, -1 once popped or removed
}

// Stop removes the timer from the loop heap. It returns false when the timer has
// already fired or been stopped.
func (t *loopTimer) Stop() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	t.fn = nil
	return true
}

// loopTimerHeap implements heap.Interface ordered by (runAt, seq).
type loopTimerHeap []*loopTimer

func (h loopTimerHeap) Len() int { return len(h) }
func (h loopTimerHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h loopTimerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *loopTimerHeap) Push(x any) {
	n := len(*h)
	item := x.(*loopTimer)
	item.index = n
	*h = append(*h, item)
}

func (h *loopTimerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *loopTimerHeap) Peek() *loopTimer {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// SingleShot arms a one-shot timer. Timers with equal deadlines fire in the order
// they were armed.
func (l *EventLoop) SingleShot(d time.Duration, fn func()) NativeTimer {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	t := &loopTimer{
		loop:  l,
		runAt: time.Now().Add(d),
		seq:   l.seq,
		fn:    fn,
	}
	heap.Push(&l.timers, t)
	first := t.index == 0
	l.mu.Unlock()

	if first {
		l.wake()
	}
	return t
}

// fireTimers runs the timers that were due when the pass started. Timers armed by
// the callbacks themselves wait for the next pass, so a zero-delay chain cannot
// starve posted calls or readiness.
func (l *EventLoop) fireTimers(exit func() bool) {
	l.mu.Lock()
	now := time.Now()
	maxSeq := l.seq
	l.mu.Unlock()

	for !exit() {
		l.mu.Lock()
		item := l.timers.Peek()
		if item == nil || item.runAt.After(now) || item.seq > maxSeq {
			l.mu.Unlock()
			return
		}
		heap.Pop(&l.timers)
		fn := item.fn
		item.fn = nil
		l.mu.Unlock()

		if fn != nil {
			l.safeCall("timer", fn)
		}
	}
}

// nextTimeout returns the poll timeout in milliseconds: 0 when work is pending,
// -1 when nothing is scheduled.
func (l *EventLoop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.posted) > 0 {
		return 0
	}
	item := l.timers.Peek()
	if item == nil {
		return -1
	}
	d := time.Until(item.runAt)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > maxPollTimeoutMs {
		ms = maxPollTimeoutMs
	}
	return int(ms)
}

// TimerCount returns the number of armed native timers.
func (l *EventLoop) TimerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}
