//go:build !linux

package cnsocket

import "net"

func newPoller() (poller, error) {
	return nil, ErrUnsupportedPlatform
}

func listen(addr *net.TCPAddr) (acceptor, error) {
	return nil, ErrUnsupportedPlatform
}
