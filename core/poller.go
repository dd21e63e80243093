package core

// poller is the readiness backend of EventLoop.
type poller interface {
	// update sets the interest for fd; read and write both false removes it.
	update(fd int, read, write bool) error

	// wait blocks up to timeoutMs (-1 = forever) and reports ready descriptors.
	// Hangups and errors are reported as both readable and writable.
	wait(timeoutMs int, dispatch func(fd int, readable, writable bool)) error

	close() error
}
