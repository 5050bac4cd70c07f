//go:build unix

package transport

import "syscall"

// NewSocketPair creates a connected pair of stream-socket file descriptors
// via syscall.Socketpair, satisfying bus.Deps.NewSocketPair for
// TRAFFIC_RAW_RELIABLE session handoffs. Both ends are left in the
// blocking mode syscall.Socketpair creates them in.
func NewSocketPair() (int, int, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
 return 0, 0, err
	}
	return fds[0], fds[1], nil
}
