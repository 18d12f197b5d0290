//go:build linux

package cnsocket

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollPoller is a poll(2) based poller over a flat descriptor table.
type pollPoller struct {
	fds   []unix.PollFd
	index map[int]int
	ready []readiness
}

func newPoller() (poller, error) {
	return &pollPoller{index: make(map[int]int)}, nil
}

func (p *pollPoller) add(fd int) error {
	if _, ok := p.index[fd]; ok {
		return errors.Errorf("fd %d already registered", fd)
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	return nil
}

// remove swaps the last entry into the freed slot.
func (p *pollPoller) remove(fd int) {
	i, ok := p.index[fd]
	if !ok {
		return
	}
	last := len(p.fds) - 1
	p.fds[i] = p.fds[last]
	p.index[int(p.fds[i].Fd)] = i
	p.fds = p.fds[:last]
	delete(p.index, fd)
}

func (p *pollPoller) watchWrite(fd int, on bool) {
	i, ok := p.index[fd]
	if !ok {
		return
	}
	if on {
		p.fds[i].Events = unix.POLLIN | unix.POLLOUT
	} else {
		p.fds[i].Events = unix.POLLIN
	}
}

func (p *pollPoller) wait(timeout time.Duration) ([]readiness, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	p.ready = p.ready[:0]

	n, err := unix.Poll(p.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return p.ready, nil
		}
		return nil, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return p.ready, nil
	}

	for i := range p.fds {
		ev := p.fds[i].Revents
		if ev == 0 {
			continue
		}
		p.ready = append(p.ready, readiness{
			fd:       int(p.fds[i].Fd),
			readable: ev&(unix.POLLIN|unix.POLLHUP) != 0,
			writable: ev&unix.POLLOUT != 0,
			failed:   ev&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return p.ready, nil
}

func (p *pollPoller) close() error {
	p.fds = nil
	p.index = make(map[int]int)
	return nil
}

// tcpAcceptor accepts raw descriptors from a listener created by the net package.
type tcpAcceptor struct {
	ln  *net.TCPListener
	lfd int
}

func listen(addr *net.TCPAddr) (acceptor, error) {
	ln, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}
	rc, err := ln.SyscallConn()
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "listener syscall conn")
	}
	var lfd int
	if err := rc.Control(func(fd uintptr) { lfd = int(fd) }); err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "listener fd")
	}
	return &tcpAcceptor{ln: ln, lfd: lfd}, nil
}

func (a *tcpAcceptor) accept() (sockConn, error) {
	for {
		nfd, sa, err := unix.Accept4(a.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return &fdConn{fd: nfd, remote: sockaddrToAddr(sa)}, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil, errWouldBlock
		default:
			return nil, errors.Wrap(err, "accept")
		}
	}
}

func (a *tcpAcceptor) Fd() int {
	return a.lfd
}

func (a *tcpAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

func (a *tcpAcceptor) Close() error {
	return a.ln.Close()
}

// fdConn is a non-blocking socket descriptor owned by the loop.
type fdConn struct {
	fd     int
	remote net.Addr
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch err {
		case nil:
			if n == 0 && len(p) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		default:
			return 0, err
		}
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		default:
			return 0, err
		}
	}
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}

func (c *fdConn) Fd() int {
	return c.fd
}

func (c *fdConn) RemoteAddr() net.Addr {
	return c.remote
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	default:
		return &net.UnixAddr{Name: "@", Net: "unix"}
	}
}
