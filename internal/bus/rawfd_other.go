//go:build !unix

package bus

import "errors"

// ErrRawFDUnsupported indicates this platform build has no fd-duplication
// primitive wired in.
var ErrRawFDUnsupported = errors.New("raw session fd handoff unsupported on this platform")

func dupFD(fd int) (int, error) {
	return -1, ErrRawFDUnsupported
}
