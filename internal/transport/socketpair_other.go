//go:build !unix

package transport

import "errors"

// ErrSocketPairUnsupported indicates this platform build has no
// socketpair primitive wired in: BindSessionPort must refuse TRAFFIC_RAW_RELIABLE with
// INVALID_OPTS when bus.Deps.NewSocketPair is nil.
var ErrSocketPairUnsupported = errors.New("raw session socketpair unsupported on this platform")

// NewSocketPair always fails on non-unix builds.
func NewSocketPair() (int, int, error) {
	return 0, 0, ErrSocketPairUnsupported
}
