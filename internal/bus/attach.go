package bus

import (
	"context"
	"log/slog"

	"github.com/busd-project/busd/internal/wire"
)

// HandleAttachSession implements the inbound side of AttachSession: a sibling
// daemon, acting on behalf of a remote joiner, asks this daemon to attach
// that joiner to req.Dest. Dest may be a local/null endpoint (Case A) or a
// further-removed virtual endpoint this daemon must forward the request
// towards (Case B).
func (c *Controller) HandleAttachSession(ctx context.Context, req AttachSessionRequest) AttachSessionResponse {
	unlock := c.acquireLocks()
	destEp, destFound := c.registry.findLocked(req.Dest)
	unlock()

	if destFound && (destEp.Kind == KindLocal || destEp.Kind == KindNull) {
 return c.attachLocal(ctx, req)
	}
	if destFound && destEp.Kind == KindVirtual {
 return c.attachForward(ctx, req, destEp)
	}
	return AttachSessionResponse{Reply: JoinNoSession}
}

// attachLocal is Case A: dest resolves to a local bind
// reservation on this daemon.
func (c *Controller) attachLocal(ctx context.Context, req AttachSessionRequest) AttachSessionResponse {
	unlock := c.acquireLocks()

	srcB2B, ok := c.registry.findLocked(req.SrcB2B)
	if !ok || srcB2B.Kind != KindB2B {
 unlock()
 return AttachSessionResponse{Reply: JoinFailed}
	}
	// Hold a waiter so the link cannot be torn down while the reply is
	// still being composed and pushed back over it.
	srcB2B.IncrementWaiters()
	defer srcB2B.DecrementWaiters()

	var hostEntry *SessionEntry
	var id uint32
	var creating bool

	if req.IncomingSessionID != 0 {
 id = req.IncomingSessionID
 hostEntry, ok = c.findLive(req.Dest, id)
 if !ok {
 unlock()
 return AttachSessionResponse{Reply: JoinNoSession}
 }
 if hostEntry.HasMember(req.Joiner) {
 unlock()
 return AttachSessionResponse{Reply: JoinAlreadyJoined}
 }
	} else {
 reservation, ok := c.findBind(req.Dest, req.Port)
 if !ok {
 unlock()
 return AttachSessionResponse{Reply: JoinNoSession}
 }
 if !reservation.Opts.IsCompatible(req.Opts) {
 unlock()
 return AttachSessionResponse{Reply: JoinBadSessionOpts}
 }
 // A multipoint session shares one id across every joiner: a second
 // remote joiner attaches into the live host-side entry rather than
 // minting a fresh session.
 if reservation.Opts.IsMultipoint {
 hostEntry, _ = c.findLiveHostEntry(req.Dest, req.Port)
 }
 if hostEntry != nil {
 if hostEntry.HasMember(req.Joiner) {
 unlock()
 return AttachSessionResponse{Reply: JoinAlreadyJoined}
 }
 id = hostEntry.ID
 } else {
 id = generateSessionID(c.sessionIDInUse)
 hostEntry = &SessionEntry{
 SessionHost: req.Dest,
 SessionPort: req.Port,
 Opts: reservation.Opts,
 ID: id,
 FD: -1,
 IsInitializing: true,
 }
 c.insertLive(req.Dest, id, hostEntry)
 creating = true
 }
	}
	hostEntry.AddMember(req.Joiner)
	opts := hostEntry.Opts
	unlock()

	if req.Dest == req.SessionHost {
 accepted, err := c.objSys.AcceptSessionJoiner(ctx, req.Dest, req.Port, id, req.Joiner, opts)
 if err != nil || !accepted {
 unlock := c.acquireLocks()
 if creating {
 c.removeLive(req.Dest, id)
 } else if entry, ok := c.findLive(req.Dest, id); ok {
 entry.RemoveMember(req.Joiner)
 }
 unlock()
 if err != nil {
 c.logger.Warn("attach session: accept probe failed",
 slog.String("host", string(req.Dest)), slog.String("error", err.Error()))
 }
 return AttachSessionResponse{Reply: JoinRejected}
 }
	}

	unlock = c.acquireLocks()
	hostEntry, ok = c.findLive(req.Dest, id)
	if !ok {
 unlock()
 return AttachSessionResponse{Reply: JoinFailed}
	}
	hostEntry.IsInitializing = false

	var existingMembers []wire.UniqueName
	for _, m := range hostEntry.Members {
 if m != req.Joiner {
 existingMembers = append(existingMembers, m)
 }
	}

	raw := hostEntry.Opts.Traffic&wire.TrafficMessages == 0
	if raw {
 // No message routes for a raw session: the joiner's daemon will
 // open a dedicated byte stream for this id, adopted below into a
 // socketpair the host collects via GetSessionFd.
 hostEntry.StreamingEp = req.SrcB2B
	} else {
 c.routes.AddSessionRoute(id, req.Dest, req.Joiner, req.SrcB2B)
 c.routes.AddSessionRoute(id, req.Joiner, req.Dest, req.SrcB2B)
	}
	if joinerVirt, verr := c.registry.getOrCreateVirtualLocked(req.Joiner); verr == nil {
 _ = joinerVirt.AddRoute(id, req.SrcB2B)
	}
	unlock()
	c.nameOwner.NotifyVirtualBinding()

	if raw {
 c.expectRawStream(id, c.hostRawAdopter(req.Dest, id), nil)
	}

	c.objSys.SessionJoined(ctx, req.Dest, req.Port, id, req.Joiner)
	if hostEntry.Opts.IsMultipoint && hostEntry.Opts.Traffic&wire.TrafficMessages != 0 {
		c.objSys.MPSessionChanged(ctx, req.Dest, id, req.Joiner, true)
		for _, m := range existingMembers {
			c.notifyExistingMember(ctx, id, req.Port, req.Joiner, m, hostEntry.Opts)
		}
	}

	return AttachSessionResponse{
 Reply: JoinSuccess,
 ID: id,
 Opts: hostEntry.Opts,
 Members: existingMembers,
	}
}

// attachForward is Case B: dest is reachable only through another
// b2b link from here, so this daemon acts as a middle-man, forwarding the
// AttachSession call downstream and splicing the resulting raw session (if
// any) between the two b2b links with a byte pump.
func (c *Controller) attachForward(ctx context.Context, req AttachSessionRequest, destEp *Endpoint) AttachSessionResponse {
	nextHop := c.pickReachableB2B(destEp, req.Opts)
	if nextHop == "" {
 return AttachSessionResponse{Reply: JoinUnreachable}
	}

	if ep, ok := c.registry.Find(nextHop); ok {
 ep.IncrementWaiters()
 defer ep.DecrementWaiters()
	}

	fwdReq := req
	fwdReq.SrcB2B = nextHop

	resp, err := c.rpc.AttachSession(ctx, nextHop, fwdReq)
	if err != nil {
 c.logger.Warn("attach session: downstream forward failed",
 slog.String("next_hop", string(nextHop)), slog.String("error", err.Error()))
 return AttachSessionResponse{Reply: JoinFailed}
	}
	if resp.Reply != JoinSuccess {
 return resp
	}

	unlock := c.acquireLocks()
	c.routes.AddSessionRoute(resp.ID, req.SrcB2B, req.Dest, nextHop)
	c.routes.AddSessionRoute(resp.ID, req.Dest, req.SrcB2B, req.SrcB2B)
	if joinerVirt, verr := c.registry.getOrCreateVirtualLocked(req.Joiner); verr == nil {
 _ = joinerVirt.AddRoute(resp.ID, req.SrcB2B)
	}
	_ = destEp.AddRoute(resp.ID, nextHop)
	unlock()
	c.nameOwner.NotifyVirtualBinding()

	if resp.Opts.Traffic&wire.TrafficMessages == 0 {
 if err := c.startMiddleManPump(ctx, resp.ID, nextHop, resp.Opts); err != nil {
 c.logger.Warn("attach session: raw middle-man setup failed",
 slog.Uint64("session", uint64(resp.ID)), slog.String("error", err.Error()))
 }
	}

	return resp
}
