package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/busd-project/busd/internal/wire"
)

// Kind distinguishes the four endpoint variants.
type Kind uint8

const (
	// KindLocal is a session-less I/O connection to a same-host client.
	KindLocal Kind = iota
	// KindB2B is a link to a sibling daemon.
	KindB2B
	// KindVirtual represents a remote client reached via one or more b2b links.
	KindVirtual
	// KindNull is the bundled-daemon fast-path, routed by direct hand-off.
	KindNull
)

// String implements fmt.Stringer for log fields.
func (k Kind) String() string {
	switch k {
	case KindLocal:
 return "local"
	case KindB2B:
 return "b2b"
	case KindVirtual:
 return "virtual"
	case KindNull:
 return "null"
	default:
 return "unknown"
	}
}

// ErrNotB2B / ErrNotVirtual guard kind-specific operations.
var (
	ErrNotB2B = errors.New("endpoint is not a bus-to-bus link")
	ErrNotVirtual = errors.New("endpoint is not a virtual endpoint")
)

// Endpoint is an addressable bus party. A single struct
// backs all four kinds; kind-specific fields are zero for the other kinds.
// Endpoints are owned exclusively by a Registry and are never referenced
// by pointer outside of it across a lock release -- callers hold the Name
// and re-resolve.
type Endpoint struct {
	Name wire.UniqueName
	Kind Kind

	mu sync.Mutex

	// B2B fields.
	RemoteGUID string
	BusAddr string
	refCount int32
	waiters int32

	// Virtual fields: the route set maps session id to the b2b link
	// endpoint name carrying that session.
	routeSet map[uint32]wire.UniqueName
	// aliases records well-known names currently attributed to this
	// virtual endpoint, maintained by NameOwnerTracker.
	aliases map[wire.WellKnownName]struct{}
}

// newEndpoint constructs a bare endpoint of the given kind and name.
func newEndpoint(name wire.UniqueName, kind Kind) *Endpoint {
	ep := &Endpoint{Name: name, Kind: kind}
	if kind == KindVirtual {
 ep.routeSet = make(map[uint32]wire.UniqueName)
 ep.aliases = make(map[wire.WellKnownName]struct{})
	}
	return ep
}

// IncrementRef increments a b2b endpoint's reference count.
func (e *Endpoint) IncrementRef() int32 {
	return atomic.AddInt32(&e.refCount, 1)
}

// DecrementRef decrements a b2b endpoint's reference count. It never goes
// negative; callers that over-decrement have a bug, but we clamp rather
// than panic since this runs on error-recovery paths where decrements
// must be safely repeatable.
func (e *Endpoint) DecrementRef() int32 {
	for {
 cur := atomic.LoadInt32(&e.refCount)
 if cur <= 0 {
 return 0
 }
 if atomic.CompareAndSwapInt32(&e.refCount, cur, cur-1) {
 return cur - 1
 }
	}
}

// RefCount reports the current reference count.
func (e *Endpoint) RefCount() int32 { return atomic.LoadInt32(&e.refCount) }

// IncrementWaiters marks that a caller is relying on this b2b link staying
// alive across a suspension point: a message push waiting on the b2b
// link holds a waiter.
func (e *Endpoint) IncrementWaiters() int32 { return atomic.AddInt32(&e.waiters, 1) }

// DecrementWaiters releases a previously incremented waiter.
func (e *Endpoint) DecrementWaiters() int32 {
	for {
 cur := atomic.LoadInt32(&e.waiters)
 if cur <= 0 {
 return 0
 }
 if atomic.CompareAndSwapInt32(&e.waiters, cur, cur-1) {
 return cur - 1
 }
	}
}

// Waiters reports the current waiter count.
func (e *Endpoint) Waiters() int32 { return atomic.LoadInt32(&e.waiters) }

// Destroyable reports whether the endpoint may be removed from the
// registry right now. A b2b link must have no refs and no waiters;
// a virtual endpoint must have an empty route set.
func (e *Endpoint) Destroyable() bool {
	switch e.Kind {
	case KindB2B:
 return e.RefCount() <= 0 && e.Waiters() <= 0
	case KindVirtual:
 e.mu.Lock()
 defer e.mu.Unlock()
 return len(e.routeSet) == 0
	default:
 return true
	}
}

// AddRoute records that sessionID reaches this virtual endpoint via b2b.
// Idempotent.
func (e *Endpoint) AddRoute(sessionID uint32, b2b wire.UniqueName) error {
	if e.Kind != KindVirtual {
 return ErrNotVirtual
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routeSet[sessionID] = b2b
	return nil
}

// BusToBusFor returns the b2b link bound for sessionID, implementing
// RouteTable.GetBusToBusEndpoint.
func (e *Endpoint) BusToBusFor(sessionID uint32) (wire.UniqueName, bool) {
	if e.Kind != KindVirtual {
 return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b2b, ok := e.routeSet[sessionID]
	return b2b, ok
}

// RouteSessionIDs returns a snapshot of every session id currently present
// in the route set.
func (e *Endpoint) RouteSessionIDs() []uint32 {
	if e.Kind != KindVirtual {
 return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint32, 0, len(e.routeSet))
	for sid := range e.routeSet {
 out = append(out, sid)
	}
	return out
}

// CanUseRoute implements RouteTable.CanUseRoute: true iff
// the virtual endpoint's route set contains b2b for any session.
func (e *Endpoint) CanUseRoute(b2b wire.UniqueName) bool {
	if e.Kind != KindVirtual {
 return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.routeSet {
 if v == b2b {
 return true
 }
	}
	return false
}

// RemoveB2B drops b2b from the route set, returning the session ids that
// were uniquely reached through it. It does not
// distinguish "uniquely reached" on its own -- the route set only ever stores
// one b2b per session id, so any session referencing b2b here was by
// construction only reachable via it.
func (e *Endpoint) RemoveB2B(b2b wire.UniqueName) []uint32 {
	if e.Kind != KindVirtual {
 return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []uint32
	for sid, via := range e.routeSet {
 if via == b2b {
 removed = append(removed, sid)
 delete(e.routeSet, sid)
 }
	}
	return removed
}

// SetAlias / ClearAlias maintain the well-known-name bookkeeping a virtual
// endpoint carries for NameOwnerTracker.
func (e *Endpoint) SetAlias(name wire.WellKnownName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aliases[name] = struct{}{}
}

func (e *Endpoint) ClearAlias(name wire.WellKnownName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.aliases, name)
}

func (e *Endpoint) Aliases() []wire.WellKnownName {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]wire.WellKnownName, 0, len(e.aliases))
	for a := range e.aliases {
 out = append(out, a)
	}
	return out
}

// Registry owns the set of live endpoints, indexed by unique name, and
// assigns/retires those names. It is the name-table lock: callers acquire
// it before the Controller's state lock and release it last.
type Registry struct {
	guid string

	mu sync.RWMutex
	byName map[wire.UniqueName]*Endpoint
	nextSeq uint64
}

// NewRegistry creates an endpoint registry for a daemon identified by guid.
func NewRegistry(guid string) *Registry {
	return &Registry{
 guid: guid,
 byName: make(map[wire.UniqueName]*Endpoint),
	}
}

// Guid returns this daemon's short guid.
func (r *Registry) Guid() string { return r.guid }

// Lock / Unlock / RLock / RUnlock expose the name-table lock directly so
// Controller.acquireLocks can hold it jointly with the state lock in the
// mandated order.
func (r *Registry) Lock() { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }
func (r *Registry) RLock() { r.mu.RLock() }
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// allocateNameLocked returns a freshly minted, never-before-issued unique
// name. Caller must hold Lock. Unique names are never reused within the
// daemon's lifetime.
func (r *Registry) allocateNameLocked() wire.UniqueName {
	r.nextSeq++
	return wire.NewUniqueName(r.guid, r.nextSeq)
}

// NewLocalEndpoint allocates and registers a local client endpoint.
func (r *Registry) NewLocalEndpoint() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := newEndpoint(r.allocateNameLocked(), KindLocal)
	r.byName[ep.Name] = ep
	return ep
}

// NewNullEndpoint allocates and registers a null (bundled in-process)
// endpoint.
func (r *Registry) NewNullEndpoint() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := newEndpoint(r.allocateNameLocked(), KindNull)
	r.byName[ep.Name] = ep
	return ep
}

// NewB2BEndpoint allocates and registers a link to a sibling daemon.
func (r *Registry) NewB2BEndpoint(remoteGUID, busAddr string) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newB2BEndpointLocked(remoteGUID, busAddr)
}

// newB2BEndpointLocked is NewB2BEndpoint for callers already holding Lock.
func (r *Registry) newB2BEndpointLocked(remoteGUID, busAddr string) *Endpoint {
	ep := newEndpoint(r.allocateNameLocked(), KindB2B)
	ep.RemoteGUID = remoteGUID
	ep.BusAddr = busAddr
	r.byName[ep.Name] = ep
	return ep
}

// ErrOwnGuid indicates an attempt to register a virtual endpoint whose
// embedded guid matches this daemon -- a virtual endpoint can never alias
// the local daemon.
var ErrOwnGuid = errors.New("virtual endpoint guid matches local daemon guid")

// GetOrCreateVirtual returns the existing virtual endpoint for name, or
// registers a new one. name's embedded guid must not be this daemon's own.
func (r *Registry) GetOrCreateVirtual(name wire.UniqueName) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateVirtualLocked(name)
}

// getOrCreateVirtualLocked is GetOrCreateVirtual for callers already holding
// Lock.
func (r *Registry) getOrCreateVirtualLocked(name wire.UniqueName) (*Endpoint, error) {
	if name.GuidOf() == r.guid {
 return nil, fmt.Errorf("%s: %w", name, ErrOwnGuid)
	}

	if ep, ok := r.byName[name]; ok {
 if ep.Kind != KindVirtual {
 return nil, fmt.Errorf("%s: %w", name, ErrNotVirtual)
 }
 return ep, nil
	}

	ep := newEndpoint(name, KindVirtual)
	r.byName[name] = ep
	return ep, nil
}

// Find resolves name through the registry. The returned pointer must be
// treated as potentially stale the instant any lock is released and
// re-resolved via another Find call.
func (r *Registry) Find(name wire.UniqueName) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byName[name]
	return ep, ok
}

// findLocked is Find without taking the lock, for callers that already
// hold it (the Controller, while inside acquireLocks).
func (r *Registry) findLocked(name wire.UniqueName) (*Endpoint, bool) {
	ep, ok := r.byName[name]
	return ep, ok
}

// Remove deletes name from the registry. Removing an unknown name is a
// no-op.
func (r *Registry) Remove(name wire.UniqueName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
}

// removeLocked is Remove for callers already holding Lock.
func (r *Registry) removeLocked(name wire.UniqueName) {
	delete(r.byName, name)
}

// Names returns a snapshot of every registered unique name.
func (r *Registry) Names() []wire.UniqueName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.UniqueName, 0, len(r.byName))
	for n := range r.byName {
 out = append(out, n)
	}
	return out
}

// B2BLinks returns every endpoint of KindB2B.
func (r *Registry) B2BLinks() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range r.byName {
 if ep.Kind == KindB2B {
 out = append(out, ep)
 }
	}
	return out
}

// VirtualEndpoints returns every endpoint of KindVirtual.
func (r *Registry) VirtualEndpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.virtualEndpointsLocked()
}

// virtualEndpointsLocked is VirtualEndpoints for callers already holding the
// lock.
func (r *Registry) virtualEndpointsLocked() []*Endpoint {
	var out []*Endpoint
	for _, ep := range r.byName {
 if ep.Kind == KindVirtual {
 out = append(out, ep)
 }
	}
	return out
}
