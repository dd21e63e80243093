//go:build unix && !linux

package core

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// waker wakes a blocked poll through a non-blocking pipe.
type waker struct {
	r, w   int
	closed atomic.Bool
}

func newWaker() (*waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, err
		}
	}
	return &waker{r: p[0], w: p[1]}, nil
}

func (w *waker) fd() int { return w.r }

func (w *waker) wake() error {
	if w.closed.Load() {
		return ErrLoopClosed
	}
	_, err := unix.Write(w.w, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *waker) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(w.r, buf[:]); err != nil || n == 0 {
			return
		}
	}
}

func (w *waker) close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(unix.Close(w.r), unix.Close(w.w))
}
