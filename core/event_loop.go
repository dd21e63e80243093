package core

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// maxPollTimeoutMs caps a single poll so a clock jump cannot park the loop for long.
const maxPollTimeoutMs = 60_000

// ErrNotifierExists is returned when a second notifier is created for the same
// (fd, intent) pair.
var ErrNotifierExists = errors.New("taskhub: notifier already exists for fd and intent")

// EventLoop is the built-in HostLoop. It binds a single goroutine (the one calling
// Exec) to dispatch posted calls, one-shot timers and descriptor readiness.
//
// Use cases:
// 1. Running a Hub without a UI toolkit (services, CLIs, tests)
// 2. Simulating a toolkit main thread
//
// Readiness is level-triggered: a notifier keeps firing while its descriptor is
// ready and the notifier is enabled.
type EventLoop struct {
	mu       sync.Mutex
	posted   []func()
	timers   loopTimerHeap
	seq      uint64
	watches  map[int]*fdWatch
	running  bool
	released bool

	poller poller
	waker  *waker
	ready  []readyFD

	wakePending atomic.Bool
	quitting    atomic.Bool
	closed      atomic.Bool
	depth       atomic.Int32

	name   string
	logger Logger
}

// EventLoopOption configures an EventLoop.
type EventLoopOption func(*EventLoop)

// WithLoopLogger sets the logger used for callback panics.
func WithLoopLogger(logger Logger) EventLoopOption {
	return func(l *EventLoop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoopName names the loop in log output.
func WithLoopName(name string) EventLoopOption {
	return func(l *EventLoop) {
		l.name = name
	}
}

type fdWatch struct {
	read  *loopNotifier
	write *loopNotifier
}

type readyFD struct {
	fd       int
	readable bool
	writable bool
}

// NewEventLoop creates an EventLoop with its poller and wake descriptor.
func NewEventLoop(opts ...EventLoopOption) (*EventLoop, error) {
	l := &EventLoop{
		watches: make(map[int]*fdWatch),
		name:    "eventloop",
		logger:  NewDefaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	w, err := newWaker()
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("create waker: %w", err)
	}
	if err := p.update(w.fd(), true, false); err != nil {
		_ = w.close()
		_ = p.close()
		return nil, fmt.Errorf("register waker: %w", err)
	}
	l.poller = p
	l.waker = w
	return l, nil
}

// Name returns the loop name.
func (l *EventLoop) Name() string {
	return l.name
}

// Exec dispatches events on the calling goroutine until Quit or Close.
// Calling Exec while the loop is already dispatching runs a nested frame.
func (l *EventLoop) Exec() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if l.depth.Load() == 0 {
		l.quitting.Store(false)
	}
	return l.runFrame(nil)
}

// Quit makes every running frame return. Safe from any goroutine.
func (l *EventLoop) Quit() {
	l.quitting.Store(true)
	l.wake()
}

// ProcessEvents runs one non-blocking dispatch pass.
func (l *EventLoop) ProcessEvents() {
	if l.closed.Load() {
		return
	}
	_ = l.iterate(false, func() bool { return l.closed.Load() })
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *EventLoop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	l.wake()
	return nil
}

// PendingCount returns the number of posted calls not yet run.
func (l *EventLoop) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posted)
}

// Close stops accepting work and releases the poller. If Exec is running it
// returns at the end of the current pass and releases the descriptors itself.
func (l *EventLoop) Close() error {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return nil
	}
	l.closed.Store(true)
	l.posted = nil
	for _, t := range l.timers {
		t.index = -1
		t.fn = nil
	}
	l.timers = nil
	running := l.running
	l.mu.Unlock()

	if running {
		l.wake()
		return nil
	}
	return l.release()
}

// IsClosed returns true once Close has been called.
func (l *EventLoop) IsClosed() bool {
	return l.closed.Load()
}

func (l *EventLoop) release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.watches = make(map[int]*fdWatch)
	l.mu.Unlock()

	return errors.Join(l.waker.close(), l.poller.close())
}

func (l *EventLoop) runFrame(frame *eventLoopFrame) error {
	if l.depth.Add(1) == 1 {
		l.mu.Lock()
		l.running = true
		l.mu.Unlock()
	}
	defer func() {
		if l.depth.Add(-1) == 0 {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			if l.closed.Load() {
				_ = l.release()
			}
		}
	}()

	exit := func() bool {
		return l.quitting.Load() || l.closed.Load() || (frame != nil && frame.quit.Load())
	}
	for !exit() {
		if err := l.iterate(true, exit); err != nil {
			return err
		}
	}
	return nil
}

// iterate runs posted calls, expired timers, then polls for readiness.
func (l *EventLoop) iterate(block bool, exit func() bool) error {
	l.runPosted(exit)
	if exit() {
		return nil
	}
	l.fireTimers(exit)
	if exit() {
		return nil
	}

	timeout := 0
	if block {
		timeout = l.nextTimeout()
	}

	// A callback may run a nested frame, which must not reuse this frame's list.
	ready := l.ready[:0]
	l.ready = nil
	defer func() { l.ready = ready[:0] }()

	err := l.poller.wait(timeout, func(fd int, readable, writable bool) {
		ready = append(ready, readyFD{fd: fd, readable: readable, writable: writable})
	})
	if err != nil {
		if l.closed.Load() {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	for _, r := range ready {
		if r.fd == l.waker.fd() {
			l.waker.drain()
			l.wakePending.Store(false)
			continue
		}
		l.dispatchFD(r, exit)
		if exit() {
			return nil
		}
	}
	return nil
}

func (l *EventLoop) runPosted(exit func() bool) {
	l.mu.Lock()
	batch := l.posted
	l.posted = nil
	l.mu.Unlock()

	for i, fn := range batch {
		if exit() {
			// Keep the rest for the next frame.
			l.mu.Lock()
			l.posted = append(batch[i:len(batch):len(batch)], l.posted...)
			l.mu.Unlock()
			return
		}
		l.safeCall("posted", fn)
	}
}

func (l *EventLoop) dispatchFD(r readyFD, exit func() bool) {
	l.mu.Lock()
	w := l.watches[r.fd]
	var onRead, onWrite func()
	if w != nil {
		if r.readable && w.read != nil && w.read.enabled {
			onRead = w.read.fn
		}
		if r.writable && w.write != nil && w.write.enabled {
			onWrite = w.write.fn
		}
	}
	l.mu.Unlock()

	if onRead != nil {
		l.safeCall("notifier", onRead)
	}
	if onWrite != nil && !exit() {
		// The read callback may have disabled or closed the write notifier.
		l.mu.Lock()
		w = l.watches[r.fd]
		still := w != nil && w.write != nil && w.write.enabled
		l.mu.Unlock()
		if still {
			l.safeCall("notifier", onWrite)
		}
	}
}

func (l *EventLoop) wake() {
	if l.wakePending.CompareAndSwap(false, true) {
		if err := l.waker.wake(); err != nil {
			l.wakePending.Store(false)
		}
	}
}

func (l *EventLoop) safeCall(kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("event loop callback panicked",
				F("loop", l.name),
				F("kind", kind),
				F("panic", rec),
				F("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// =============================================================================
// Notifiers
// =============================================================================

type loopNotifier struct {
	loop    *EventLoop
	fd      int
	intent  Intent
	fn      func()
	enabled bool
	closed  bool
}

// NewNotifier watches fd for readiness. The notifier starts enabled.
func (l *EventLoop) NewNotifier(fd int, intent Intent, fn func()) (Notifier, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid fd %d", fd)
	}
	if intent != IntentRead && intent != IntentWrite {
		return nil, fmt.Errorf("invalid intent %d", intent)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	w := l.watches[fd]
	if w == nil {
		w = &fdWatch{}
		l.watches[fd] = w
	}
	n := &loopNotifier{loop: l, fd: fd, intent: intent, fn: fn, enabled: true}
	switch intent {
	case IntentRead:
		if w.read != nil {
			return nil, ErrNotifierExists
		}
		w.read = n
	case IntentWrite:
		if w.write != nil {
			return nil, ErrNotifierExists
		}
		w.write = n
	}
	if err := l.syncInterestLocked(fd); err != nil {
		n.closed = true
		l.detachLocked(n)
		return nil, err
	}
	return n, nil
}

// NotifierCount returns the number of live notifiers.
func (l *EventLoop) NotifierCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, w := range l.watches {
		if w.read != nil {
			count++
		}
		if w.write != nil {
			count++
		}
	}
	return count
}

func (n *loopNotifier) SetEnabled(enabled bool) {
	l := n.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if n.closed || n.enabled == enabled {
		return
	}
	n.enabled = enabled
	if err := l.syncInterestLocked(n.fd); err != nil {
		l.logger.Warn("update notifier interest failed",
			F("loop", l.name), F("fd", n.fd), F("intent", n.intent), F("error", err))
	}
}

func (n *loopNotifier) Close() error {
	l := n.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if n.closed {
		return nil
	}
	n.enabled = false
	n.closed = true
	l.detachLocked(n)
	if l.released {
		return nil
	}
	return l.syncInterestLocked(n.fd)
}

func (l *EventLoop) detachLocked(n *loopNotifier) {
	w := l.watches[n.fd]
	if w == nil {
		return
	}
	if w.read == n {
		w.read = nil
	}
	if w.write == n {
		w.write = nil
	}
	if w.read == nil && w.write == nil {
		delete(l.watches, n.fd)
	}
}

func (l *EventLoop) syncInterestLocked(fd int) error {
	var read, write bool
	if w := l.watches[fd]; w != nil {
		read = w.read != nil && w.read.enabled
		write = w.write != nil && w.write.enabled
	}
	return l.poller.update(fd, read, write)
}

// =============================================================================
// Nested loops
// =============================================================================

type eventLoopFrame struct {
	quit atomic.Bool
}

// EventLoopLocal is a nested dispatch frame on an EventLoop, the equivalent of a
// toolkit's local event loop. Exec must be called on the loop goroutine.
type EventLoopLocal struct {
	loop  *EventLoop
	frame eventLoopFrame
}

var _ LocalLoop = (*EventLoopLocal)(nil)

// NewLocalLoop creates a nested loop bound to l.
func (l *EventLoop) NewLocalLoop() *EventLoopLocal {
	return &EventLoopLocal{loop: l}
}

// Exec dispatches events until Quit is called on this local loop or on the parent.
func (ll *EventLoopLocal) Exec() error {
	if ll.loop.closed.Load() {
		return ErrLoopClosed
	}
	ll.frame.quit.Store(false)
	return ll.loop.runFrame(&ll.frame)
}

// Quit makes the local Exec return. Safe from any goroutine.
func (ll *EventLoopLocal) Quit() {
	ll.frame.quit.Store(true)
	ll.loop.wake()
}
