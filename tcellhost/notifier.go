package tcellhost

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Swind/go-task-hub/core"
)

// pollIntervalMs bounds how long a watcher sits in poll(2) before it re-checks
// whether it was disabled or closed.
const pollIntervalMs = 50

// ErrNotifierExists is returned for a second notifier on the same (fd, intent).
var ErrNotifierExists = errors.New("tcellhost: notifier already exists for fd and intent")

type notifierKey struct {
	fd     int
	intent core.Intent
}

// notifier watches a descriptor from its own goroutine and posts activations to
// the loop. The next poll only starts after the posted callback ran, which keeps
// it level-triggered like a toolkit socket notifier.
type notifier struct {
	host   *Host
	key    notifierKey
	fn     func()
	events int16

	mu      sync.Mutex
	cond    *sync.Cond
	enabled bool
	closed  bool
	dead    bool
	stop    chan struct{}
}

// NewNotifier starts watching fd. The notifier starts enabled.
func (h *Host) NewNotifier(fd int, intent core.Intent, fn func()) (core.Notifier, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid fd %d", fd)
	}
	var events int16
	switch intent {
	case core.IntentRead:
		events = unix.POLLIN
	case core.IntentWrite:
		events = unix.POLLOUT
	default:
		return nil, fmt.Errorf("invalid intent %d", intent)
	}
	if h.isClosed() {
		return nil, core.ErrLoopClosed
	}

	n := &notifier{
		host:    h,
		key:     notifierKey{fd: fd, intent: intent},
		fn:      fn,
		events:  events,
		enabled: true,
		stop:    make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	if _, loaded := h.notifiers.LoadOrStore(n.key, n); loaded {
		return nil, ErrNotifierExists
	}
	go n.watch()
	return n, nil
}

func (n *notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.enabled = enabled
	n.cond.Broadcast()
}

func (n *notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.enabled = false
	close(n.stop)
	n.cond.Broadcast()
	n.mu.Unlock()

	n.host.notifiers.CompareAndDelete(n.key, n)
	return nil
}

// markDead records that the watcher exited on its own.
func (n *notifier) markDead() {
	n.mu.Lock()
	n.dead = true
	n.mu.Unlock()
}

// watching reports whether the watcher goroutine is still polling.
func (n *notifier) watching() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.dead && !n.closed
}

// waitEnabled blocks until the notifier is enabled; false once it is closed.
func (n *notifier) waitEnabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for !n.enabled && !n.closed {
		n.cond.Wait()
	}
	return !n.closed
}

func (n *notifier) watch() {
	fds := []unix.PollFd{{Fd: int32(n.key.fd), Events: n.events}}
	for n.waitEnabled() {
		fds[0].Revents = 0
		count, err := unix.Poll(fds, pollIntervalMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			n.host.logger.Warn("notifier poll failed",
				core.F("fd", n.key.fd), core.F("intent", n.key.intent), core.F("error", err))
			return
		}
		if count == 0 {
			continue
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			n.host.logger.Warn("notifier descriptor closed while watched",
				core.F("fd", n.key.fd), core.F("intent", n.key.intent))
			n.markDead()
			return
		}
		if fds[0].Revents&(n.events|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		ran := make(chan struct{})
		if err := n.host.Post(func() {
			defer close(ran)
			n.activate()
		}); err != nil {
			return
		}
		select {
		case <-ran:
		case <-n.stop:
			return
		}
	}
}

func (n *notifier) activate() {
	n.mu.Lock()
	active := n.enabled && !n.closed
	n.mu.Unlock()
	if active {
		n.fn()
	}
}
