package cnsocket

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// errWouldBlock is returned by non-blocking socket calls that made no progress.
var errWouldBlock = errors.New("operation would block")

// sockConn is a non-blocking stream socket owned by the loop. Read returns
// errWouldBlock when nothing is pending and io.EOF on orderly shutdown.
type sockConn interface {
	io.Reader
	io.Writer
	io.Closer
	Fd() int
	RemoteAddr() net.Addr
}

// acceptor is a non-blocking listening socket.
type acceptor interface {
	// accept returns errWouldBlock when no connection is pending.
	accept() (sockConn, error)
	Fd() int
	Addr() net.Addr
	Close() error
}

// readiness is one socket reported ready by a poller.
type readiness struct {
	fd       int
	readable bool
	writable bool
	failed   bool
}

// poller multiplexes socket readiness. It is used only from the loop goroutine.
type poller interface {
	add(fd int) error
	remove(fd int)
	watchWrite(fd int, on bool)
	// wait blocks up to timeout. The returned slice is reused by the next call.
	wait(timeout time.Duration) ([]readiness, error)
	close() error
}
