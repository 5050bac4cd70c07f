//go:build unix

package bus

import "syscall"

// dupFD duplicates fd for handoff to a caller that will own the copy
// independently of the session entry's lifetime.
func dupFD(fd int) (int, error) {
	return syscall.Dup(fd)
}
