//go:build !unix

package transport

import (
	"errors"
	"net"
)

// ErrNoRawConnAccess indicates raw-descriptor extraction is unsupported on
// this platform build; raw sessions are refused at bind time instead.
var ErrNoRawConnAccess = errors.New("raw connection descriptors unsupported on this platform")

func connFD(net.Conn) (int, error) {
	return -1, ErrNoRawConnAccess
}
