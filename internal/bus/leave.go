package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/busd-project/busd/internal/wire"
)

// closeRawFD releases a raw-session file descriptor handed off to a local
// endpoint. Wrapping it in an *os.File keeps this package free of
// platform-specific syscall types; the transport package owns fd creation.
func closeRawFD(fd int) {
	_ = os.NewFile(uintptr(fd), "raw-session").Close()
}

// ErrNotJoined indicates LeaveSession was called for a (endpoint, id) pair
// with no live session entry.
var ErrNotJoined = errors.New("no live session entry for endpoint/session id")

// LeaveSession handles a local endpoint departing session id. It removes
// the caller's membership, tells every sibling daemon and local peer that
// needs to know, and tears down routes and raw fds that existed solely
// for this departure.
func (c *Controller) LeaveSession(ctx context.Context, endpoint wire.UniqueName, sessionID uint32) error {
	unlock := c.acquireLocks()
	entry, ok := c.findLive(endpoint, sessionID)
	if !ok {
 unlock()
 return ErrNotJoined
	}

	fd := entry.FD
	entry.FD = -1
	c.removeLive(endpoint, sessionID)
	c.routes.RemoveSessionRoutes(endpoint, sessionID)

	// Every other local participant's entry drops the departed name; an
	// entry that empties out is removed and its owner told the session is
	// gone.
	var lost []wire.UniqueName
	for k, e := range c.sessions {
 if k.id != sessionID {
 continue
 }
 e.RemoveMember(endpoint)
 if e.SessionHost == endpoint {
 e.SessionHost = ""
 }
 if e.Lost() {
 c.removeLive(k.endpoint, k.id)
 c.routes.RemoveSessionRoutes(k.endpoint, sessionID)
 lost = append(lost, k.endpoint)
 }
	}
	remaining := len(c.entriesForID(sessionID)) > 0
	unlock()

	if !remaining {
 c.dropRawWaiter(sessionID)
	}
	if fd != -1 {
 closeRawFD(fd)
	}

	// Broadcast DetachSession to every directly-connected sibling; each
	// receiving daemon applies the same removal and forwards nothing (the
	// signal fans out from the origin only, de-duped by sender guid).
	for _, b2b := range c.registry.B2BLinks() {
 c.rpc.DetachSession(ctx, b2b.Name, sessionID, endpoint)
	}

	for _, name := range lost {
 c.objSys.SessionLost(ctx, name, sessionID)
	}
	return nil
}

// HandleDetachSession applies an inbound DetachSession signal. from
// identifies the b2b link it arrived on. The RPC layer has already dropped
// signals whose sender guid matches this daemon (echoes of our own
// broadcast).
func (c *Controller) HandleDetachSession(ctx context.Context, from wire.UniqueName, sessionID uint32, joiner wire.UniqueName) {
	unlock := c.acquireLocks()
	var affected []wire.UniqueName
	for k, e := range c.sessions {
 if k.id != sessionID || k.endpoint == joiner {
 continue
 }
 changed := false
 if e.HasMember(joiner) {
 e.RemoveMember(joiner)
 changed = true
 }
 if e.SessionHost == joiner {
 e.SessionHost = ""
 changed = true
 }
 if changed {
 affected = append(affected, k.endpoint)
 }
	}
	c.routes.RemoveSessionRoutes(joiner, sessionID)

	var lost []wire.UniqueName
	for _, name := range affected {
 e, ok := c.findLive(name, sessionID)
 if !ok {
 continue
 }
 if e.Lost() {
 c.removeLive(name, sessionID)
 lost = append(lost, name)
 }
	}
	remaining := len(c.entriesForID(sessionID)) > 0
	unlock()

	if !remaining {
 c.dropRawWaiter(sessionID)
	}

	c.logger.Debug("detach session applied",
 slog.String("from", string(from)),
 slog.Uint64("session", uint64(sessionID)),
 slog.String("joiner", string(joiner)))

	for _, name := range lost {
 c.objSys.SessionLost(ctx, name, sessionID)
	}
}

// OnB2BLost handles a b2b link going away (transport failure, clean
// shutdown, or link-timeout expiry). Every session reached solely through
// it is torn down, its virtual endpoints are pruned or destroyed, and
// siblings are told both the unique name of each destroyed endpoint and any
// well-known alias it owned are now unowned.
func (c *Controller) OnB2BLost(ctx context.Context, b2b wire.UniqueName) {
	unlock := c.acquireLocks()
	affectedSessions := c.routes.RemoveRoutesViaB2B(b2b)

	// Sessions a virtual endpoint reached solely through the lost link are
	// torn down as if that remote party had left.
	type removal struct {
 name wire.UniqueName
 sessions []uint32
	}
	var removals []removal
	var destroyed []wire.UniqueName
	var orphanedAliases []wire.WellKnownName
	for _, ep := range c.registry.virtualEndpointsLocked() {
 removedSessions := ep.RemoveB2B(b2b)
 if len(removedSessions) == 0 {
 continue
 }
 removals = append(removals, removal{name: ep.Name, sessions: removedSessions})
 if ep.Destroyable() {
 orphanedAliases = append(orphanedAliases, ep.Aliases()...)
 c.registry.removeLocked(ep.Name)
 destroyed = append(destroyed, ep.Name)
 }
	}

	var lostMembers []struct {
 endpoint wire.UniqueName
 id uint32
	}
	for _, rm := range removals {
 for _, sid := range rm.sessions {
 if sid == 0 {
 // Session id 0 is the name-propagation binding installed
 // by ExchangeNames, not a live session.
 continue
 }
 for k, e := range c.sessions {
 if k.id != sid {
 continue
 }
 e.RemoveMember(rm.name)
 if e.SessionHost == rm.name {
 e.SessionHost = ""
 }
 if e.Lost() {
 c.removeLive(k.endpoint, k.id)
 lostMembers = append(lostMembers, struct {
 endpoint wire.UniqueName
 id uint32
 }{k.endpoint, k.id})
 }
 }
 }
	}

	if b2bEp, ok := c.registry.findLocked(b2b); ok {
 c.registry.removeLocked(b2bEp.Name)
	}
	unlock()

	for _, rm := range removals {
 for _, sid := range rm.sessions {
 if sid != 0 {
 c.dropRawWaiter(sid)
 }
 }
	}

	for _, lm := range lostMembers {
 c.objSys.SessionLost(ctx, lm.endpoint, lm.id)
	}

	for _, alias := range orphanedAliases {
		c.nameOwner.LocalNameOwnerChanged(ctx, string(alias), "", "")
	}
	for _, name := range destroyed {
		c.nameOwner.LocalNameOwnerChanged(ctx, string(name), name, "")
	}

	c.logger.Info("b2b link lost",
 slog.String("b2b", string(b2b)),
 slog.Int("sessions_affected", len(affectedSessions)),
 slog.Int("virtual_endpoints_destroyed", len(destroyed)))
}
