package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/busd-project/busd/internal/wire"
)

// ErrNoRawWaiter indicates an inbound raw stream named a session id no
// local consumer is waiting on (never negotiated here, already torn down,
// or already adopted).
var ErrNoRawWaiter = errors.New("no raw-stream waiter for session id")

// rawWaiter is one registered consumer of an inbound raw stream: adopt
// receives the stream fd, cancel releases any resources the consumer
// captured (a middle-man's already-dialed downstream fd) if the session
// dies before the stream arrives.
type rawWaiter struct {
	adopt  func(fd int)
	cancel func()
}

// expectRawStream registers the consumer for the inbound raw stream of
// sessionID. At most one consumer per session; a second registration
// replaces (and cancels) the first.
func (c *Controller) expectRawStream(sessionID uint32, adopt func(fd int), cancel func()) {
	c.rawMu.Lock()
	prev := c.rawWaiters[sessionID]
	c.rawWaiters[sessionID] = rawWaiter{adopt: adopt, cancel: cancel}
	c.rawMu.Unlock()
	if prev.cancel != nil {
		prev.cancel()
	}
}

// dropRawWaiter discards the pending raw-stream consumer for sessionID, if
// any, releasing whatever it captured. Called from every session-teardown
// path so a stream arriving after the session died is simply closed by
// AdoptRawStream.
func (c *Controller) dropRawWaiter(sessionID uint32) {
	c.rawMu.Lock()
	w := c.rawWaiters[sessionID]
	delete(c.rawWaiters, sessionID)
	c.rawMu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

// AdoptRawStream hands an inbound raw byte-stream fd (accepted and upgraded
// by the link listener) to whatever this daemon negotiated it for. Ownership
// of fd transfers here: an unclaimed stream is closed.
func (c *Controller) AdoptRawStream(sessionID uint32, fd int) error {
	c.rawMu.Lock()
	w := c.rawWaiters[sessionID]
	delete(c.rawWaiters, sessionID)
	c.rawMu.Unlock()

	if w.adopt == nil {
		closeRawFD(fd)
		return fmt.Errorf("adopt raw stream for session %d: %w", sessionID, ErrNoRawWaiter)
	}
	w.adopt(fd)
	return nil
}

// rawDialerFor returns the first registered transport that can open raw
// streams and whose mask overlaps requested, or nil.
func (c *Controller) rawDialerFor(requested wire.Transport) RawStreamDialer {
	for _, t := range c.transports {
		if t.Mask()&requested == 0 {
			continue
		}
		if d, ok := t.(RawStreamDialer); ok {
			return d
		}
	}
	return nil
}

// hostRawAdopter builds the raw-stream consumer for a session hosted by a
// local client: the remote joiner's stream is socketpaired to the host so
// GetSessionFd can hand the host its end, with a pump shovelling bytes
// between the pair's far end and the stream.
func (c *Controller) hostRawAdopter(host wire.UniqueName, sessionID uint32) func(int) {
	return func(streamFD int) {
		if c.newSocketPair == nil || c.pump == nil {
			closeRawFD(streamFD)
			return
		}
		hostFD, pumpFD, err := c.newSocketPair()
		if err != nil {
			c.logger.Warn("raw adopt: socketpair failed",
				slog.Uint64("session", uint64(sessionID)), slog.String("error", err.Error()))
			closeRawFD(streamFD)
			return
		}

		unlock := c.acquireLocks()
		entry, ok := c.findLive(host, sessionID)
		if !ok {
			unlock()
			closeRawFD(streamFD)
			closeRawFD(hostFD)
			closeRawFD(pumpFD)
			return
		}
		entry.FD = hostFD
		entry.StreamingEp = ""
		unlock()

		c.workers.spawn(context.Background(), func(ctx context.Context) {
			if err := c.pump.Pump(ctx, pumpFD, streamFD); err != nil {
				c.logger.Info("raw session pump closed",
					slog.Uint64("session", uint64(sessionID)),
					slog.String("host", string(host)),
					slog.String("error", err.Error()))
			}
		})
	}
}

// startMiddleManPump implements the raw-session middle-man: this daemon
// forwarded an AttachSession downstream and now sits between two b2b links
// on the raw path. It dials a dedicated raw stream toward the downstream
// daemon, then registers a consumer that splices the upstream daemon's
// stream (which arrives after the reply has propagated back) onto it.
func (c *Controller) startMiddleManPump(ctx context.Context, sessionID uint32, downstreamB2B wire.UniqueName, opts wire.Opts) error {
	if c.pump == nil {
		return ErrRawSessionsUnsupported
	}
	ep, ok := c.registry.Find(downstreamB2B)
	if !ok {
		return fmt.Errorf("middle-man pump for session %d: downstream link %s gone", sessionID, downstreamB2B)
	}
	dialer := c.rawDialerFor(opts.Transports)
	if dialer == nil {
		return fmt.Errorf("middle-man pump for session %d: %w", sessionID, ErrRawSessionsUnsupported)
	}

	downFD, err := dialer.DialRawStream(ctx, ep.BusAddr, sessionID)
	if err != nil {
		return fmt.Errorf("middle-man pump for session %d: %w", sessionID, err)
	}

	c.expectRawStream(sessionID,
		func(upFD int) {
			c.workers.spawn(context.Background(), func(ctx context.Context) {
				if err := c.pump.Pump(ctx, upFD, downFD); err != nil {
					c.logger.Info("middle-man pump closed",
						slog.Uint64("session", uint64(sessionID)),
						slog.String("downstream", string(downstreamB2B)),
						slog.String("error", err.Error()))
				}
			})
		},
		func() { closeRawFD(downFD) })
	return nil
}
