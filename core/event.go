package core

import (
	"context"
	"sync"
)

// eventGen is one set/clear cycle of an Event. Its result is written before ready
// is closed and never changes afterwards.
type eventGen[T any] struct {
	ready   chan struct{}
	value   T
	err     error
	waiters map[uint64]func()
}

func newEventGen[T any]() *eventGen[T] {
	return &eventGen[T]{ready: make(chan struct{})}
}

// Event delivers one value or error to any number of waiters. It can be sent from
// any goroutine; waiting tasks are resumed by the loop.
type Event[T any] struct {
	hub    *Hub
	mu     sync.Mutex
	gen    *eventGen[T]
	set    bool
	nextID uint64
}

// NewEvent returns an unset event bound to h.
func NewEvent[T any](h *Hub) *Event[T] {
	return &Event[T]{hub: h, gen: newEventGen[T]()}
}

// Send sets the event to v.
func (e *Event[T]) Send(v T) error {
	return e.resolve(v, nil)
}

// SendError sets the event to fail with err.
func (e *Event[T]) SendError(err error) error {
	var zero T
	return e.resolve(zero, err)
}

// Set sets the event to the zero value.
func (e *Event[T]) Set() error {
	var zero T
	return e.resolve(zero, nil)
}

func (e *Event[T]) resolve(v T, err error) error {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return ErrEventAlreadySet
	}
	g := e.gen
	g.value = v
	g.err = err
	e.set = true
	waiters := g.waiters
	g.waiters = nil
	close(g.ready)
	e.mu.Unlock()

	for _, w := range waiters {
		w()
	}
	return nil
}

// IsSet reports whether a value or error was sent since the last Clear.
func (e *Event[T]) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Clear resets a set event. Waiters of the previous cycle keep its result.
func (e *Event[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.gen = newEventGen[T]()
	}
}

// Wait returns the sent value or error, blocking until there is one. Tasks are
// suspended; foreign goroutines block until the event is set or ctx ends; the loop
// goroutine gets ErrWouldBlockLoop unless the event is already set.
func (e *Event[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	h := e.hub

	e.mu.Lock()
	g := e.gen
	if e.set {
		e.mu.Unlock()
		return g.value, g.err
	}
	e.mu.Unlock()

	if t := h.currentTask(); t != nil {
		err := t.block(ctx, func(seq uint64) func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			wake := func() { h.callSoon(func() { h.wake(t, seq, nil) }) }
			select {
			case <-g.ready:
				// sent from a foreign goroutine after the check above
				wake()
				return nil
			default:
			}
			if g.waiters == nil {
				g.waiters = make(map[uint64]func())
			}
			e.nextID++
			id := e.nextID
			g.waiters[id] = wake
			return func() {
				e.mu.Lock()
				delete(g.waiters, id)
				e.mu.Unlock()
			}
		})
		if err != nil {
			return zero, err
		}
		return g.value, g.err
	}

	if h.inLoopGoroutine() {
		return zero, ErrWouldBlockLoop
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-g.ready:
		return g.value, g.err
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}
