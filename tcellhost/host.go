// Package tcellhost runs a taskhub Hub on top of a tcell terminal screen, the way a
// GUI toolkit's main loop would host it.
//
// The screen's event queue is the native loop: posted calls and timer expirations
// arrive as interrupt events, every other event goes to the OnEvent handler.
package tcellhost

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/Swind/go-task-hub/core"
)

// ErrScreenFinalized is returned by Exec when the screen stops delivering events.
var ErrScreenFinalized = errors.New("tcellhost: screen finalized")

// Host is a core.HostLoop backed by a tcell.Screen.
type Host struct {
	screen  tcell.Screen
	onEvent func(tcell.Event)
	logger  core.Logger

	mu     sync.Mutex
	posted []func()
	closed bool

	wakePending atomic.Bool
	quitting    atomic.Bool
	depth       atomic.Int32

	notifiers sync.Map // notifierKey -> *notifier
}

var _ core.HostLoop = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithEventHandler sets the handler for non-interrupt screen events (keys, mouse,
// resize). It runs on the loop goroutine.
func WithEventHandler(fn func(tcell.Event)) Option {
	return func(h *Host) { h.onEvent = fn }
}

// WithLogger sets the logger used for callback panics and notifier errors.
func WithLogger(logger core.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New wraps an initialized screen. The caller keeps ownership of the screen and
// calls Fini on it.
func New(screen tcell.Screen, opts ...Option) *Host {
	h := &Host{
		screen: screen,
		logger: core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Screen returns the wrapped screen.
func (h *Host) Screen() tcell.Screen { return h.screen }

// Exec polls screen events until Quit. Nested calls run a nested frame.
func (h *Host) Exec() error {
	if h.isClosed() {
		return core.ErrLoopClosed
	}
	if h.depth.Load() == 0 {
		h.quitting.Store(false)
	}
	return h.runFrame(nil)
}

type frame struct {
	quit atomic.Bool
}

func (h *Host) runFrame(f *frame) error {
	h.depth.Add(1)
	defer h.depth.Add(-1)

	exit := func() bool {
		return h.quitting.Load() || h.isClosed() || (f != nil && f.quit.Load())
	}
	for {
		h.runPosted(exit)
		if exit() {
			return nil
		}
		ev := h.screen.PollEvent()
		if ev == nil {
			return ErrScreenFinalized
		}
		if _, ok := ev.(*tcell.EventInterrupt); ok {
			h.wakePending.Store(false)
			continue
		}
		if h.onEvent != nil {
			h.safeCall("event handler", func() { h.onEvent(ev) })
		}
	}
}

// Quit makes every running frame return. Safe from any goroutine.
func (h *Host) Quit() {
	h.quitting.Store(true)
	h.wake(true)
}

// ProcessEvents runs the posted calls that are already queued.
func (h *Host) ProcessEvents() {
	h.runPosted(h.isClosed)
}

// Post queues fn for the loop goroutine. Safe from any goroutine.
func (h *Host) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return core.ErrLoopClosed
	}
	h.posted = append(h.posted, fn)
	h.mu.Unlock()

	h.wake(false)
	return nil
}

// SingleShot arms a one-shot timer. Zero delays are posted directly so they keep
// their FIFO order.
func (h *Host) SingleShot(d time.Duration, fn func()) core.NativeTimer {
	t := &timer{}
	fire := func() {
		if t.done.CompareAndSwap(false, true) {
			fn()
		}
	}
	if d <= 0 {
		if err := h.Post(fire); err != nil {
			t.done.Store(true)
		}
		return t
	}
	t.t = time.AfterFunc(d, func() {
		if err := h.Post(fire); err != nil {
			t.done.Store(true)
		}
	})
	return t
}

// Close stops accepting posted calls and notifiers, and makes Exec return.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.posted = nil
	h.mu.Unlock()

	h.notifiers.Range(func(_, v any) bool {
		_ = v.(*notifier).Close()
		return true
	})
	h.wake(true)
	return nil
}

// NewLocalLoop returns a nested loop on this host.
func (h *Host) NewLocalLoop() *LocalLoop {
	return &LocalLoop{host: h}
}

// LocalLoop is a nested dispatch frame, used for modal screens.
type LocalLoop struct {
	host  *Host
	frame frame
}

var _ core.LocalLoop = (*LocalLoop)(nil)

// Exec dispatches until Quit is called on the local loop or on the host.
func (l *LocalLoop) Exec() error {
	if l.host.isClosed() {
		return core.ErrLoopClosed
	}
	l.frame.quit.Store(false)
	return l.host.runFrame(&l.frame)
}

// Quit makes the local Exec return. Safe from any goroutine.
func (l *LocalLoop) Quit() {
	l.frame.quit.Store(true)
	l.host.wake(true)
}

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Host) runPosted(exit func() bool) {
	h.mu.Lock()
	batch := h.posted
	h.posted = nil
	h.mu.Unlock()

	for i, fn := range batch {
		if exit() {
			h.mu.Lock()
			if !h.closed {
				h.posted = append(batch[i:len(batch):len(batch)], h.posted...)
			}
			h.mu.Unlock()
			return
		}
		h.safeCall("posted", fn)
	}
}

// wake interrupts PollEvent. Unless forced, at most one wake-up is in flight.
func (h *Host) wake(force bool) {
	if !force && !h.wakePending.CompareAndSwap(false, true) {
		return
	}
	if force {
		h.wakePending.Store(true)
	}
	if err := h.screen.PostEvent(tcell.NewEventInterrupt(nil)); err != nil {
		// queue full: the loop is busy and drains posted calls after every event
		h.wakePending.Store(false)
	}
}

func (h *Host) safeCall(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("tcell host callback panicked", core.F("kind", what), core.F("panic", rec))
		}
	}()
	fn()
}

type timer struct {
	t    *time.Timer
	done atomic.Bool
}

func (t *timer) Stop() bool {
	if !t.done.CompareAndSwap(false, true) {
		return false
	}
	if t.t != nil {
		t.t.Stop()
	}
	return true
}
