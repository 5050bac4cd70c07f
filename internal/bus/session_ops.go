package bus

import (
	"context"
	"errors"
	"time"

	"github.com/busd-project/busd/internal/wire"
)

// getSessionFDDeadline bounds GetSessionFd's poll for the raw-socket
// handoff to complete.
const getSessionFDDeadline = 5 * time.Second

// getSessionFDPollInterval is the re-check interval while fd == -1.
const getSessionFDPollInterval = 20 * time.Millisecond

// ErrSessionFDUnavailable indicates GetSessionFd's deadline elapsed before
// the raw-socket handoff completed.
var ErrSessionFDUnavailable = errors.New("session fd not available before deadline")

// GetSessionFd polls the caller's session entry until its fd is
// populated, then transfers ownership of a duplicate to the caller and
// discards the local copy and session entry.
func (c *Controller) GetSessionFd(ctx context.Context, endpoint wire.UniqueName, sessionID uint32) (int, error) {
	deadline := time.Now().Add(getSessionFDDeadline)
	ticker := time.NewTicker(getSessionFDPollInterval)
	defer ticker.Stop()

	for {
 unlock := c.acquireLocks()
 entry, ok := c.findLive(endpoint, sessionID)
 if !ok {
 unlock()
 return -1, ErrNotJoined
 }
 if entry.FD != -1 {
 fd := entry.FD
 unlock()

 dup, err := dupFD(fd)
 if err != nil {
 return -1, err
 }

 unlock = c.acquireLocks()
 entry, ok = c.findLive(endpoint, sessionID)
 if ok {
 closeRawFD(entry.FD)
 c.removeLive(endpoint, sessionID)
 }
 unlock()
 return dup, nil
 }
 unlock()

 if time.Now().After(deadline) {
 return -1, ErrSessionFDUnavailable
 }
 select {
 case <-ctx.Done():
 return -1, ctx.Err()
 case <-ticker.C:
 }
	}
}

// SetLinkTimeout adjusts the idle-probe timeout on the b2b link carrying
// sessionID, returning the timeout the transport actually applied (which
// may differ from the request, e.g. clamped to a minimum).
func (c *Controller) SetLinkTimeout(ctx context.Context, endpoint wire.UniqueName, sessionID uint32, requested time.Duration) (LinkTimeoutReply, time.Duration, error) {
	unlock := c.acquireLocksRead()
	entry, ok := c.findLive(endpoint, sessionID)
	if !ok {
 unlock()
 return LinkTimeoutNoSession, 0, nil
	}
	via, hasRoute := c.routes.Route(sessionID, endpoint, entry.SessionHost)
	unlock()

	if !hasRoute || via == "" {
 // Local session: no b2b link carries it, so there is nothing to
 // configure a probe timeout on.
 return LinkTimeoutNoDestSupport, 0, nil
	}

	for _, t := range c.transports {
 if setter, ok := t.(LinkTimeoutSetter); ok {
 applied, err := setter.SetLinkTimeout(ctx, via, requested)
 if err != nil {
 return LinkTimeoutFailed, 0, err
 }
 return LinkTimeoutSuccess, applied, nil
 }
	}
	return LinkTimeoutNoDestSupport, 0, nil
}

// LinkTimeoutSetter is an optional LinkTransport capability: transports
// that support idle-link probing implement
// it to honour SetLinkTimeout.
type LinkTimeoutSetter interface {
	SetLinkTimeout(ctx context.Context, b2b wire.UniqueName, requested time.Duration) (time.Duration, error)
}
