package core

import "fmt"

type listenerKey struct {
	fd     int
	intent Intent
}

// Listener is a registered readiness callback for a file descriptor.
type Listener struct {
	fd       int
	intent   Intent
	cb       func()
	notifier Notifier
	closed   bool
}

// FD returns the watched file descriptor.
func (l *Listener) FD() int { return l.fd }

// Intent returns the watched readiness.
func (l *Listener) Intent() Intent { return l.intent }

// RegisterListener invokes cb on the loop goroutine whenever fd is ready for intent,
// until UnregisterListener. At most one listener may exist per (fd, intent).
//
// Loop context only.
func (h *Hub) RegisterListener(fd int, intent Intent, cb func()) (*Listener, error) {
	if !h.inContext() {
		return nil, ErrWrongGoroutine
	}
	key := listenerKey{fd: fd, intent: intent}
	if _, ok := h.listeners[key]; ok {
		return nil, fmt.Errorf("fd %d %s: %w", fd, intent, ErrListenerExists)
	}

	l := &Listener{fd: fd, intent: intent, cb: cb}
	n, err := h.loop.NewNotifier(fd, intent, func() { h.fireListener(l) })
	if err != nil {
		return nil, fmt.Errorf("register fd %d %s listener: %w", fd, intent, err)
	}
	l.notifier = n
	h.listeners[key] = l
	h.listenerCount.Store(int64(len(h.listeners)))
	return l, nil
}

func (h *Hub) fireListener(l *Listener) {
	if l.closed || l.cb == nil {
		return
	}
	h.safeCallback("listener", l.cb)
}

// UnregisterListener disables and releases the listener's native notifier. It is
// idempotent. Loop context only.
func (h *Hub) UnregisterListener(l *Listener) {
	if l == nil || l.closed {
		return
	}
	l.closed = true
	l.cb = nil
	if l.notifier != nil {
		// the notifier must not fire between unregistration and its release
		l.notifier.SetEnabled(false)
		if err := l.notifier.Close(); err != nil {
			h.logger.Debug("closing notifier", F("fd", l.fd), F("error", err))
		}
		l.notifier = nil
	}
	key := listenerKey{fd: l.fd, intent: l.intent}
	if h.listeners[key] == l {
		delete(h.listeners, key)
	}
	h.listenerCount.Store(int64(len(h.listeners)))
}
