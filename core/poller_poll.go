//go:build unix && !linux

package core

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollPoller watches descriptors with poll(2).
type pollPoller struct {
	mu       sync.Mutex
	interest map[int]int16
	fds      []unix.PollFd
}

func newPoller() (poller, error) {
	return &pollPoller{interest: make(map[int]int16)}, nil
}

func (p *pollPoller) update(fd int, read, write bool) error {
	var mask int16
	if read {
		mask |= unix.POLLIN
	}
	if write {
		mask |= unix.POLLOUT
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if mask == 0 {
		delete(p.interest, fd)
	} else {
		p.interest[fd] = mask
	}
	return nil
}

func (p *pollPoller) wait(timeoutMs int, dispatch func(fd int, readable, writable bool)) error {
	p.mu.Lock()
	p.fds = p.fds[:0]
	for fd, mask := range p.interest {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: mask})
	}
	fds := p.fds
	p.mu.Unlock()

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		hangup := pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		readable := hangup || pfd.Revents&unix.POLLIN != 0
		writable := hangup || pfd.Revents&unix.POLLOUT != 0
		dispatch(int(pfd.Fd), readable, writable)
	}
	return nil
}

func (p *pollPoller) close() error {
	return nil
}
