//go:build linux

package core

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// waker wakes a blocked poll through an eventfd.
type waker struct {
	efd    int
	closed atomic.Bool
}

func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &waker{efd: fd}, nil
}

func (w *waker) fd() int { return w.efd }

func (w *waker) wake() error {
	if w.closed.Load() {
		return ErrLoopClosed
	}
	buf := [8]byte{1}
	_, err := unix.Write(w.efd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *waker) drain() {
	var buf [8]byte
	for {
		if n, err := unix.Read(w.efd, buf[:]); err != nil || n == 0 {
			return
		}
	}
}

func (w *waker) close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(w.efd)
}
