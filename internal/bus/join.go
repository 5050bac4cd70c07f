package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busd-project/busd/internal/wire"
)

// ErrNoMatchingTransport indicates no registered transport plugin's mask
// overlaps the one requested for a sibling connection.
var ErrNoMatchingTransport = errors.New("no transport plugin matches requested mask")

// exchangeNamesTimeout bounds Stage C.2's wait for the remote daemon's
// ExchangeNames handshake to bind sessionHostName to the new b2b link.
const exchangeNamesTimeout = 30 * time.Second

// JoinRequest is the input to JoinSession.
type JoinRequest struct {
	Joiner wire.UniqueName
	SessionHost wire.UniqueName
	Port uint16
	Opts wire.Opts
}

// JoinResult is the output of JoinSession.
type JoinResult struct {
	Reply JoinReply
	SessionID uint32
	Opts wire.Opts
	Err error
}

// JoinSession spawns a worker task
// that runs the full Join protocol and delivers exactly one JoinResult on
// the returned channel.
func (c *Controller) JoinSession(parent context.Context, req JoinRequest) <-chan JoinResult {
	out := make(chan JoinResult, 1)

	if c.Stopping() {
 out <- JoinResult{Reply: JoinFailed, Err: ErrShuttingDown}
 close(out)
 return out
	}

	c.workers.spawn(parent, func(ctx context.Context) {
 out <- c.joinSession(ctx, req)
 close(out)
	})
	return out
}

// joinSession runs synchronously on a worker task's goroutine.
func (c *Controller) joinSession(ctx context.Context, req JoinRequest) JoinResult {
	logger := c.logger.With(
 slog.String("joiner", string(req.Joiner)),
 slog.String("host", string(req.SessionHost)),
 slog.Uint64("port", uint64(req.Port)),
	)

	// Self-join refusal.
	if req.SessionHost == req.Joiner {
 return JoinResult{Reply: JoinAlreadyJoined}
	}

	unlock := c.acquireLocks()
	hostEp, hostFound := c.registry.findLocked(req.SessionHost)
	unlock()

	switch {
	case hostFound && (hostEp.Kind == KindLocal || hostEp.Kind == KindNull):
 logger.Info("join: local host")
 return c.joinLocalHost(ctx, req)
	case hostFound && hostEp.Kind == KindVirtual:
 logger.Info("join: remote host (already virtual)")
 return c.joinRemoteHost(ctx, req, hostEp)
	default:
 logger.Info("join: remote host (unknown, discovering)")
 return c.joinUnknownHost(ctx, req)
	}
}

// -------------------------------------------------------------------------
// Stage B -- join to local host
// -------------------------------------------------------------------------

func (c *Controller) joinLocalHost(ctx context.Context, req JoinRequest) JoinResult {
	unlock := c.acquireLocks()

	reservation, ok := c.findBind(req.SessionHost, req.Port)
	if !ok {
 unlock()
 return JoinResult{Reply: JoinNoSession}
	}

	if already := c.hostHasMember(req.SessionHost, req.Port, req.Joiner); already {
 unlock()
 return JoinResult{Reply: JoinAlreadyJoined}
	}

	if !reservation.Opts.IsCompatible(req.Opts) {
 unlock()
 return JoinResult{Reply: JoinBadSessionOpts}
	}
	negotiated := reservation.Opts

	// Multipoint sessions share one id across every joiner: reuse the live host-side entry for this port if one
	// already exists instead of minting a new session id.
	var id uint32
	var hostEntry *SessionEntry
	var creating bool
	if negotiated.IsMultipoint {
 hostEntry, ok = c.findLiveHostEntry(req.SessionHost, req.Port)
	}
	if hostEntry != nil {
 id = hostEntry.ID
	} else {
 id = generateSessionID(c.sessionIDInUse)
 hostEntry = &SessionEntry{
 SessionHost: req.SessionHost,
 SessionPort: req.Port,
 Opts: negotiated,
 ID: id,
 FD: -1,
 IsInitializing: true,
 }
 c.insertLive(req.SessionHost, id, hostEntry)
 creating = true
	}
	hostEntry.AddMember(req.Joiner)
	unlock()

	accepted, err := c.objSys.AcceptSessionJoiner(ctx, req.SessionHost, req.Port, id, req.Joiner, negotiated)
	if err != nil || !accepted {
 unlock := c.acquireLocks()
 if creating {
 c.removeLive(req.SessionHost, id)
 } else {
 hostEntry.RemoveMember(req.Joiner)
 }
 unlock()
 return JoinResult{Reply: JoinRejected, Err: err}
	}

	unlock = c.acquireLocks()
	hostEntry, ok = c.findLive(req.SessionHost, id)
	if !ok {
 unlock()
 return JoinResult{Reply: JoinFailed}
	}
	hostEntry.IsInitializing = false

	var existingMembers []wire.UniqueName
	for _, m := range hostEntry.Members {
 if m != req.Joiner {
 existingMembers = append(existingMembers, m)
 }
	}

	joinerEntry := &SessionEntry{
 SessionHost: req.SessionHost,
 SessionPort: req.Port,
 Opts: negotiated,
 ID: id,
 FD: -1,
 Members: append([]wire.UniqueName(nil), existingMembers...),
	}

	var fd1, fd2 int = -1, -1
	if negotiated.Traffic&wire.TrafficRawReliable != 0 {
 var perr error
 fd1, fd2, perr = c.newSocketPair()
 if perr != nil {
 c.removeLive(req.SessionHost, id)
 unlock()
 return JoinResult{Reply: JoinFailed, Err: perr}
 }
 hostEntry.FD = fd1
 joinerEntry.FD = fd2
	} else {
 c.routes.AddSessionRoute(id, req.SessionHost, req.Joiner, "")
 c.routes.AddSessionRoute(id, req.Joiner, req.SessionHost, "")
	}
	c.insertLive(req.Joiner, id, joinerEntry)
	unlock()

	c.objSys.SessionJoined(ctx, req.SessionHost, req.Port, id, req.Joiner)
	if negotiated.IsMultipoint && negotiated.Traffic&wire.TrafficMessages != 0 {
		c.objSys.MPSessionChanged(ctx, req.SessionHost, id, req.Joiner, true)
		for _, m := range existingMembers {
			c.notifyExistingMember(ctx, id, req.Port, req.Joiner, m, negotiated)
		}
		for _, m := range existingMembers {
			c.objSys.MPSessionChanged(ctx, req.Joiner, id, m, true)
		}
	}

	return JoinResult{Reply: JoinSuccess, SessionID: id, Opts: negotiated}
}

// notifyExistingMember tells one pre-existing multipoint member m about the
// newly added joiner and installs the joiner<->m route. A locally resident
// member gets the MPSessionChanged signal directly; a virtual (remote)
// member instead gets a secondary AttachSession forwarded over whichever
// b2b link already carries id to it (IncomingSessionID=id, BusAddr=""),
// which is how the far daemon learns of the new joiner and relays
// MPSessionChanged to its own local members.
func (c *Controller) notifyExistingMember(ctx context.Context, id uint32, port uint16, joiner, m wire.UniqueName, opts wire.Opts) {
	ep, ok := c.registry.Find(m)
	if !ok {
		return
	}
	if ep.Kind != KindVirtual {
		unlock := c.acquireLocks()
		c.routes.AddSessionRoute(id, joiner, m, "")
		c.routes.AddSessionRoute(id, m, joiner, "")
		unlock()
		c.objSys.MPSessionChanged(ctx, m, id, joiner, true)
		return
	}

	b2b, ok := ep.BusToBusFor(id)
	if !ok {
		b2b = c.pickReachableB2B(ep, opts)
	}
	if b2b == "" {
		return
	}
	if _, err := c.rpc.AttachSession(ctx, b2b, AttachSessionRequest{
		Port: port,
		Joiner: joiner,
		SessionHost: m,
		Dest: m,
		SrcB2B: b2b,
		BusAddr: "",
		IncomingSessionID: id,
		Opts: opts,
	}); err != nil {
		return
	}
	unlock := c.acquireLocks()
	c.routes.AddSessionRoute(id, joiner, m, b2b)
	c.routes.AddSessionRoute(id, m, joiner, b2b)
	unlock()
}

// hostHasMember reports whether any live entry for (host, port) already
// lists joiner as a member. Caller holds the locks.
func (c *Controller) hostHasMember(host wire.UniqueName, port uint16, joiner wire.UniqueName) bool {
	for k, e := range c.sessions {
 if k.endpoint != host || e.SessionPort != port {
 continue
 }
 if e.HasMember(joiner) {
 return true
 }
	}
	return false
}

// -------------------------------------------------------------------------
// Stage C -- join to remote host
// -------------------------------------------------------------------------

// joinRemoteHost handles the case where sessionHostName already resolves
// to a virtual endpoint: some b2b link already reaches it, so Stage C can
// skip directly to the AttachSession RPC over an
// existing link, or dial a fresh one via GetSessionInfo if hostEp's route
// set holds no b2b link.
func (c *Controller) joinRemoteHost(ctx context.Context, req JoinRequest, hostEp *Endpoint) JoinResult {
	b2b := c.pickReachableB2B(hostEp, req.Opts)
	if b2b == "" {
 busAddrs, err := c.rpc.GetSessionInfo(ctx, b2bToQuery(hostEp), req.SessionHost, req.Port, req.Opts)
 if err != nil || len(busAddrs) == 0 {
 return JoinResult{Reply: JoinUnreachable, Err: err}
 }
 return c.connectAndAttach(ctx, req, busAddrs)
	}
	return c.attachVia(ctx, req, b2b, 0, "")
}

// joinUnknownHost implements Stage C for a host that is not yet known to
// this daemon at all: consult the name-discovery map for a bus address on
// a compatible transport.
func (c *Controller) joinUnknownHost(ctx context.Context, req JoinRequest) JoinResult {
	candidates := c.candidateBusAddrs(req.SessionHost, req.Opts.Transports)
	if len(candidates) == 0 {
 return JoinResult{Reply: JoinUnreachable}
	}
	return c.connectAndAttach(ctx, req, candidates)
}

// pickReachableB2B returns the first b2b link found in hostEp's route set,
// or "" if the route set holds none -- caller must then fall back to
// GetSessionInfo. opts is not consulted: the link's transport is not
// checked against the requested transports.
func (c *Controller) pickReachableB2B(hostEp *Endpoint, _ wire.Opts) wire.UniqueName {
	for _, sid := range hostEp.RouteSessionIDs() {
 if b2b, ok := hostEp.BusToBusFor(sid); ok {
 return b2b
 }
	}
	return ""
}

// b2bToQuery picks any b2b link reaching hostEp to address a
// GetSessionInfo RPC at the remote daemon that owns it.
func b2bToQuery(hostEp *Endpoint) wire.UniqueName {
	for _, sid := range hostEp.RouteSessionIDs() {
 if b2b, ok := hostEp.BusToBusFor(sid); ok {
 return b2b
 }
	}
	return ""
}

// candidateBusAddrs searches the name-discovery map for busAddrs
// advertising host on a transport overlapping mask.
func (c *Controller) candidateBusAddrs(host wire.UniqueName, mask wire.Transport) []string {
	var out []string
	for _, rec := range c.nameDiscovery.Lookup(wire.WellKnownName(host)) {
 if rec.TransportMask&mask != 0 {
 out = append(out, rec.BusAddr)
 }
	}
	return out
}

// connectAndAttach dials each candidate bus address in order via the
// matching transport plugin, waits for the ExchangeNames handshake to bind
// the host name over the new link (Stage C.2), then issues AttachSession
// (Stage C.3).
func (c *Controller) connectAndAttach(ctx context.Context, req JoinRequest, candidates []string) JoinResult {
	for _, addr := range candidates {
 transport := c.transportFor(req.Opts.Transports)
 if transport == nil {
 continue
 }

 remoteGUID, err := transport.Connect(ctx, addr)
 if err != nil {
 c.logger.Warn("join: connect failed", slog.String("addr", addr), slog.String("error", err.Error()))
 continue
 }

 unlock := c.acquireLocks()
 b2b := c.registry.newB2BEndpointLocked(remoteGUID, addr)
 unlock()

 c.nameOwner.OnB2BConnect(ctx, b2b.Name)

 if !c.waitForHostBinding(ctx, req.SessionHost, b2b.Name) {
 continue
 }

 return c.attachVia(ctx, req, b2b.Name, 0, addr)
	}
	return JoinResult{Reply: JoinConnectFailed}
}

// ConnectSibling proactively dials a statically configured sibling bus
// address, independent of any JoinSession in progress. It performs the same
// connect-then-ExchangeNames handshake as connectAndAttach's per-candidate
// loop, but returns as soon as the b2b link is registered rather than
// waiting for a particular host name to become reachable over it. The
// daemon calls this once per configured sibling at startup, since nothing else in the protocol dials a
// b2b link before some local client asks to join a session on it.
func (c *Controller) ConnectSibling(ctx context.Context, addr string, mask wire.Transport) error {
	transport := c.transportFor(mask)
	if transport == nil {
 return fmt.Errorf("connect sibling %s: %w", addr, ErrNoMatchingTransport)
	}

	remoteGUID, err := transport.Connect(ctx, addr)
	if err != nil {
 return fmt.Errorf("connect sibling %s: %w", addr, err)
	}

	unlock := c.acquireLocks()
	b2b := c.registry.newB2BEndpointLocked(remoteGUID, addr)
	unlock()

	c.nameOwner.OnB2BConnect(ctx, b2b.Name)
	return nil
}

// transportFor returns the first registered transport plugin whose mask
// overlaps requested, or nil.
func (c *Controller) transportFor(requested wire.Transport) LinkTransport {
	for _, t := range c.transports {
 if t.Mask()&requested != 0 {
 return t
 }
	}
	return nil
}

// waitForHostBinding implements Stage C.2: wait, woken on every
// virtual-endpoint registration rather than on a fixed-interval sleep,
// until host resolves to a virtual endpoint whose route set contains b2b,
// or exchangeNamesTimeout elapses.
func (c *Controller) waitForHostBinding(parent context.Context, host wire.UniqueName, b2b wire.UniqueName) bool {
	ctx, cancel := context.WithTimeout(parent, exchangeNamesTimeout)
	defer cancel()

	for {
 ep, ok := c.registry.Find(host)
 if ok && ep.Kind == KindVirtual && ep.CanUseRoute(b2b) {
 return true
 }
 if ctx.Err() != nil {
 return false
 }
 c.nameOwner.WaitForVirtualBinding(ctx)
	}
}

// attachVia issues the AttachSession RPC over b2b and installs the
// resulting routes and local join-side session entry.
func (c *Controller) attachVia(ctx context.Context, req JoinRequest, b2b wire.UniqueName, incomingSessionID uint32, busAddr string) JoinResult {
	if ep, ok := c.registry.Find(b2b); ok {
 ep.IncrementWaiters()
 defer ep.DecrementWaiters()
	}

	resp, err := c.rpc.AttachSession(ctx, b2b, AttachSessionRequest{
 Port: req.Port,
 Joiner: req.Joiner,
 SessionHost: req.SessionHost,
 Dest: req.SessionHost,
 SrcB2B: b2b,
 BusAddr: busAddr,
 IncomingSessionID: incomingSessionID,
 Opts: req.Opts,
	})
	if err != nil {
 return JoinResult{Reply: JoinFailed, Err: err}
	}
	if resp.Reply != JoinSuccess {
 return JoinResult{Reply: resp.Reply}
	}

	unlock := c.acquireLocks()
	c.routes.AddSessionRoute(resp.ID, req.Joiner, req.SessionHost, b2b)
	c.routes.AddSessionRoute(resp.ID, req.SessionHost, req.Joiner, b2b)
	if hostVirt, verr := c.registry.getOrCreateVirtualLocked(req.SessionHost); verr == nil {
 _ = hostVirt.AddRoute(resp.ID, b2b)
	}
	c.insertLive(req.Joiner, resp.ID, &SessionEntry{
 SessionHost: req.SessionHost,
 SessionPort: req.Port,
 Opts: resp.Opts,
 ID: resp.ID,
 FD: -1,
 Members: append([]wire.UniqueName(nil), resp.Members...),
	})
	unlock()
	c.nameOwner.NotifyVirtualBinding()

	if resp.Opts.Traffic&wire.TrafficMessages == 0 {
 return c.convertToRaw(ctx, req.Joiner, b2b, resp)
	}

	return JoinResult{Reply: JoinSuccess, SessionID: resp.ID, Opts: resp.Opts}
}

// convertToRaw completes a remote raw-reliable join. The multiplexed b2b
// link itself cannot become the session's byte stream, so the conversion
// opens a dedicated raw stream for the session id against the same bus
// address the link was dialed on and stashes its fd in the joiner's session
// entry, where GetSessionFd collects it. The entry's StreamingEp marks the
// link being converted while the dial is in flight. A join that cannot
// produce an fd is rolled back and failed, never reported as success.
func (c *Controller) convertToRaw(ctx context.Context, joiner wire.UniqueName, b2b wire.UniqueName, resp AttachSessionResponse) JoinResult {
	unlock := c.acquireLocks()
	entry, ok := c.findLive(joiner, resp.ID)
	if !ok {
 unlock()
 return JoinResult{Reply: JoinFailed}
	}
	b2bEp, ok := c.registry.findLocked(b2b)
	if !ok {
 c.removeLive(joiner, resp.ID)
 c.routes.RemoveSessionRoutes(joiner, resp.ID)
 unlock()
 return JoinResult{Reply: JoinFailed}
	}
	busAddr := b2bEp.BusAddr
	entry.StreamingEp = b2b
	unlock()

	dialer := c.rawDialerFor(resp.Opts.Transports)
	if dialer == nil {
 c.abortRawJoin(joiner, resp.ID)
 return JoinResult{Reply: JoinFailed, Err: ErrRawSessionsUnsupported}
	}

	fd, err := dialer.DialRawStream(ctx, busAddr, resp.ID)
	if err != nil {
 c.abortRawJoin(joiner, resp.ID)
 return JoinResult{Reply: JoinFailed, Err: err}
	}

	unlock = c.acquireLocks()
	entry, ok = c.findLive(joiner, resp.ID)
	if !ok {
 unlock()
 closeRawFD(fd)
 return JoinResult{Reply: JoinFailed}
	}
	entry.FD = fd
	entry.StreamingEp = ""
	unlock()

	return JoinResult{Reply: JoinSuccess, SessionID: resp.ID, Opts: resp.Opts}
}

// abortRawJoin rolls back the joiner-side session entry and routes after a
// failed raw-stream conversion; idempotent like every rollback path.
func (c *Controller) abortRawJoin(joiner wire.UniqueName, sessionID uint32) {
	unlock := c.acquireLocks()
	c.removeLive(joiner, sessionID)
	c.routes.RemoveSessionRoutes(joiner, sessionID)
	unlock()
}
