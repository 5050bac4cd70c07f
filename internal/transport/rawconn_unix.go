//go:build unix

package transport

import (
	"errors"
	"net"
	"syscall"
)

// ErrNoRawConnAccess indicates the connection does not expose its
// underlying descriptor (not a syscall.Conn, e.g. a TLS or test wrapper).
var ErrNoRawConnAccess = errors.New("connection does not expose a raw file descriptor")

// connFD duplicates the file descriptor backing c. The caller owns the
// returned fd and still owns c; closing one does not affect the other.
func connFD(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, ErrNoRawConnAccess
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = syscall.Dup(int(s))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return fd, nil
}
