//go:build linux

package core

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller watches descriptors with level-triggered epoll.
type epollPoller struct {
	mu         sync.Mutex
	epfd       int
	registered map[int]uint32
	events     [128]unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, registered: make(map[int]uint32)}, nil
}

func (p *epollPoller) update(fd int, read, write bool) error {
	var mask uint32
	if read {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		mask |= unix.EPOLLOUT
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old, ok := p.registered[fd]
	switch {
	case mask == 0:
		if !ok {
			return nil
		}
		delete(p.registered, fd)
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.EBADF || err == unix.ENOENT {
			// The descriptor was closed before its notifier; the kernel already dropped it.
			return nil
		}
		return err
	case !ok:
		ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return err
		}
	case old != mask:
		ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return err
		}
	}
	p.registered[fd] = mask
	return nil
}

func (p *epollPoller) wait(timeoutMs int, dispatch func(fd int, readable, writable bool)) error {
	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		hangup := ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
		readable := hangup || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0
		writable := hangup || ev.Events&unix.EPOLLOUT != 0
		dispatch(int(ev.Fd), readable, writable)
	}
	return nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
