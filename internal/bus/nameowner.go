package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/busd-project/busd/internal/wire"
)

// NameOwnerTracker propagates unique-name births and deaths and
// well-known-name ownership changes to directly connected sibling daemons,
// and applies inbound ExchangeNames/NameChanged updates to the
// virtual-endpoint table.
type NameOwnerTracker struct {
	registry *Registry
	rpc DaemonRPC
	logger *slog.Logger

	// bindCh is closed (and replaced) every time a virtual endpoint's
	// route set gains a b2b link, letting JoinSession's Stage C.2 wait on
	// an event instead of a fixed-interval poll.
	bindMu sync.Mutex
	bindCh chan struct{}
}

// NewNameOwnerTracker constructs a tracker bound to registry and rpc.
func NewNameOwnerTracker(registry *Registry, rpc DaemonRPC, logger *slog.Logger) *NameOwnerTracker {
	return &NameOwnerTracker{
 registry: registry,
 rpc: rpc,
 logger: logger.With(slog.String("component", "bus.nameowner")),
 bindCh: make(chan struct{}),
	}
}

// NotifyVirtualBinding wakes every goroutine waiting in
// WaitForVirtualBinding. Call after any change that could satisfy a
// waiter: a virtual endpoint registered, a b2b link added to a route set.
func (t *NameOwnerTracker) NotifyVirtualBinding() {
	t.bindMu.Lock()
	close(t.bindCh)
	t.bindCh = make(chan struct{})
	t.bindMu.Unlock()
}

// WaitForVirtualBinding blocks until NotifyVirtualBinding has been called
// at least once since the call started, or ctx is done. It never holds the
// Controller's locks; callers re-check their condition after it returns.
func (t *NameOwnerTracker) WaitForVirtualBinding(ctx context.Context) {
	t.bindMu.Lock()
	ch := t.bindCh
	t.bindMu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// localAndReachableAliases collects (uniqueName, aliases) for every local
// endpoint plus every virtual endpoint reachable without excludeB2B, the
// ExchangeNames payload sent on a freshly connected link.
func (t *NameOwnerTracker) localAndReachableAliases(excludeB2B wire.UniqueName) []NameAliasEntry {
	var out []NameAliasEntry

	for _, name := range t.registry.Names() {
 ep, ok := t.registry.Find(name)
 if !ok {
 continue
 }
 switch ep.Kind {
 case KindLocal, KindNull:
 out = append(out, NameAliasEntry{UniqueName: ep.Name})
 case KindVirtual:
 if reachableOnlyVia(ep, excludeB2B) {
 continue
 }
 out = append(out, NameAliasEntry{UniqueName: ep.Name, Aliases: ep.Aliases()})
 }
	}
	return out
}

// reachableOnlyVia reports whether ep's entire route set is excludeB2B,
// i.e. it would become unreachable without that one link.
func reachableOnlyVia(ep *Endpoint, excludeB2B wire.UniqueName) bool {
	ids := ep.RouteSessionIDs()
	if len(ids) == 0 {
 return false
	}
	for _, sid := range ids {
 via, ok := ep.BusToBusFor(sid)
 if !ok || via != excludeB2B {
 return false
 }
	}
	return true
}

// OnB2BConnect sends the initial ExchangeNames handshake on a newly
// registered b2b link.
func (t *NameOwnerTracker) OnB2BConnect(ctx context.Context, b2b wire.UniqueName) {
	entries := t.localAndReachableAliases(b2b)
	t.rpc.ExchangeNames(ctx, b2b, entries)
}

// ApplyExchangeNames applies an inbound ExchangeNames payload received on
// from, registering virtual endpoints and aliases, then forwards the
// unchanged message to every other directly-connected b2b link whose
// remote guid differs from the sender's.
func (t *NameOwnerTracker) ApplyExchangeNames(ctx context.Context, from wire.UniqueName, senderGUID string, entries []NameAliasEntry) {
	changed := false
	for _, e := range entries {
 if e.UniqueName.GuidOf() == t.registry.Guid() {
 continue // defence against forgery
 }
 ep, err := t.registry.GetOrCreateVirtual(e.UniqueName)
 if err != nil {
 t.logger.Warn("exchange names: reject entry",
 slog.String("name", string(e.UniqueName)),
 slog.String("error", err.Error()))
 continue
 }
 if err := ep.AddRoute(0, from); err == nil {
 changed = true
 }
 for _, alias := range e.Aliases {
 ep.SetAlias(alias)
 }
	}

	if changed {
 t.NotifyVirtualBinding()
	}

	t.forwardExceptGUID(ctx, from, senderGUID, func(to wire.UniqueName) {
 t.rpc.ExchangeNames(ctx, to, entries)
	})
}

// ApplyNameChanged applies an inbound NameChanged signal, rejecting forged entries and propagating to other
// siblings.
func (t *NameOwnerTracker) ApplyNameChanged(ctx context.Context, from wire.UniqueName, senderGUID string, alias string, oldOwner, newOwner wire.UniqueName) {
	if oldOwner.GuidOf() == t.registry.Guid() || newOwner.GuidOf() == t.registry.Guid() {
 t.logger.Warn("name changed: rejecting forged owner guid", slog.String("alias", alias))
 return
	}

	if strings.HasPrefix(alias, ":") {
 uname := wire.UniqueName(alias)
 if newOwner == "" {
 if ep, ok := t.registry.Find(uname); ok && ep.Kind == KindVirtual {
 ep.RemoveB2B(from)
 if ep.Destroyable() {
 t.registry.Remove(uname)
 }
 }
 } else {
 if ep, err := t.registry.GetOrCreateVirtual(uname); err == nil {
 if err := ep.AddRoute(0, from); err == nil {
 t.NotifyVirtualBinding()
 }
 }
 }
	} else {
 wk := wire.WellKnownName(alias)
 if ep, ok := t.registry.Find(newOwner); ok && ep.Kind == KindVirtual {
 ep.SetAlias(wk)
 }
 if ep, ok := t.registry.Find(oldOwner); ok && ep.Kind == KindVirtual {
 ep.ClearAlias(wk)
 }
	}

	t.forwardExceptGUID(ctx, from, senderGUID, func(to wire.UniqueName) {
 t.rpc.NameChanged(ctx, to, alias, oldOwner, newOwner)
	})
}

// LocalNameOwnerChanged emits a NameChanged signal to every directly
// connected b2b link for a locally-originated ownership change.
func (t *NameOwnerTracker) LocalNameOwnerChanged(ctx context.Context, alias string, oldOwner, newOwner wire.UniqueName) {
	for _, b2b := range t.registry.B2BLinks() {
 t.rpc.NameChanged(ctx, b2b.Name, alias, oldOwner, newOwner)
	}
}

// forwardExceptGUID invokes send for every b2b link except from itself and
// any link whose remote guid equals senderGUID, so a daemon holding two
// links to the same sibling never reflects its own announcement back.
func (t *NameOwnerTracker) forwardExceptGUID(_ context.Context, from wire.UniqueName, senderGUID string, send func(to wire.UniqueName)) {
	for _, b2b := range t.registry.B2BLinks() {
 if b2b.Name == from {
 continue
 }
 if b2b.RemoteGUID == senderGUID {
 continue
 }
 send(b2b.Name)
	}
}
