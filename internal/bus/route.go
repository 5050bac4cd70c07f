package bus

import (
	"sync"

	"github.com/busd-project/busd/internal/wire"
)

// routeKey identifies one route-table entry: a session id, the
// local endpoint that originated the join, and the destination endpoint.
type routeKey struct {
	sessionID uint32
	src wire.UniqueName
	dst wire.UniqueName
}

// routeEntry is the route-table value: the b2b link used for a virtual
// destination, or empty for a local destination.
type routeEntry struct {
	via wire.UniqueName
}

// RouteTable holds every (sessionID, src, dst, viaB2B?) route the daemon
// has installed. It is guarded by the Controller's state
// lock; it never dereferences endpoints itself -- callers supply and
// interpret wire.UniqueName handles.
type RouteTable struct {
	mu sync.RWMutex
	entries map[routeKey]routeEntry
}

// NewRouteTable constructs an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{entries: make(map[routeKey]routeEntry)}
}

// AddSessionRoute idempotently installs a route. via is empty for a local
// destination.
func (rt *RouteTable) AddSessionRoute(sessionID uint32, src, dst wire.UniqueName, via wire.UniqueName) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.entries[routeKey{sessionID, src, dst}] = routeEntry{via: via}
}

// RemoveSessionRoutes removes every route entry involving endpoint, for the
// given session id, as either src or dst.
func (rt *RouteTable) RemoveSessionRoutes(endpoint wire.UniqueName, sessionID uint32) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for k := range rt.entries {
 if k.sessionID != sessionID {
 continue
 }
 if k.src == endpoint || k.dst == endpoint {
 delete(rt.entries, k)
 }
	}
}

// RemoveRoutesViaB2B removes every route whose viaB2B matches b2b,
// returning the distinct session ids that were affected.
func (rt *RouteTable) RemoveRoutesViaB2B(b2b wire.UniqueName) []uint32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	seen := make(map[uint32]struct{})
	for k, v := range rt.entries {
 if v.via == b2b {
 seen[k.sessionID] = struct{}{}
 delete(rt.entries, k)
 }
	}

	ids := make([]uint32, 0, len(seen))
	for id := range seen {
 ids = append(ids, id)
	}
	return ids
}

// Route returns the route entry for (sessionID, src, dst), if installed.
func (rt *RouteTable) Route(sessionID uint32, src, dst wire.UniqueName) (wire.UniqueName, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	e, ok := rt.entries[routeKey{sessionID, src, dst}]
	return e.via, ok
}

// SessionIDsFor returns every session id for which a route involving
// endpoint exists.
func (rt *RouteTable) SessionIDsFor(endpoint wire.UniqueName) []uint32 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	seen := make(map[uint32]struct{})
	for k := range rt.entries {
 if k.src == endpoint || k.dst == endpoint {
 seen[k.sessionID] = struct{}{}
 }
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
 ids = append(ids, id)
	}
	return ids
}

// Len reports the number of installed route entries, for tests and metrics.
func (rt *RouteTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.entries)
}
