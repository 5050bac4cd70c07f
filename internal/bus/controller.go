package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/busd-project/busd/internal/wire"
)

// Controller is the heart of the core: it
// holds the session map, drives the Join/Attach/Detach protocol, and
// synthesises session-lost and member-changed notifications. Every
// exported method that mutates shared state acquires the two-lock
// discipline via acquireLocks, which returns the matching release func.
type Controller struct {
	registry *Registry

	// stateMu is the process-wide StateLock guarding sessions, routes,
	// advertise, discover, nameDiscovery, and the NameOwnerTracker's view
	// of the virtual-endpoint table. Always acquired after
	// registry's NameTableLock, released before it.
	stateMu sync.Mutex
	binds map[bindKey]*SessionEntry
	sessions map[liveKey]*SessionEntry

	routes *RouteTable
	advertise *AdvertiseMap
	discover *DiscoverMap
	nameDiscovery *NameDiscoveryMap
	nameOwner *NameOwnerTracker

	objSys ObjectSystem
	rpc DaemonRPC
	transports []LinkTransport
	pump RawSocketPump
	newSocketPair func() (int, int, error)

	workers *workerRegistry

	// rawWaiters holds, per session id, the consumer of the inbound raw
	// byte stream expected for that session: the host-side adopter that
	// socketpairs it to the local client, or a middle-man pump toward the
	// next hop. Guarded by rawMu, not the two-lock pair, because adoption
	// arrives on the link listener's goroutine.
	rawMu sync.Mutex
	rawWaiters map[uint32]rawWaiter

	isStopping atomic.Bool

	lostNameHook func(wire.WellKnownName, NameRecord)

	logger *slog.Logger
}

// Deps bundles the external collaborators a Controller needs.
type Deps struct {
	ObjectSystem ObjectSystem
	RPC DaemonRPC
	Transports []LinkTransport
	Pump RawSocketPump
	// NewSocketPair creates a connected pair of stream-socket file
	// descriptors for a TRAFFIC_RAW_RELIABLE session handoff. busd's
	// transport package implements this with syscall.Socketpair. Raw
	// sessions are refused at bind time (INVALID_OPTS) if this is nil.
	NewSocketPair func() (int, int, error)
	Logger *slog.Logger
}

// NewController constructs a Controller bound to registry and deps.
func NewController(registry *Registry, deps Deps) *Controller {
	logger := deps.Logger.With(slog.String("component", "bus.controller"))
	c := &Controller{
 registry: registry,
 binds: make(map[bindKey]*SessionEntry),
 sessions: make(map[liveKey]*SessionEntry),
 routes: NewRouteTable(),
 advertise: NewAdvertiseMap(),
 discover: NewDiscoverMap(),
 objSys: deps.ObjectSystem,
 rpc: deps.RPC,
 transports: deps.Transports,
 pump: deps.Pump,
 newSocketPair: deps.NewSocketPair,
 workers: newWorkerRegistry(),
 rawWaiters: make(map[uint32]rawWaiter),
 logger: logger,
	}
	c.nameOwner = NewNameOwnerTracker(registry, deps.RPC, logger)
	c.nameDiscovery = NewNameDiscoveryMap(c.onNameExpired)
	return c
}

// Routes exposes the route table for metrics collection.
func (c *Controller) Routes() *RouteTable { return c.routes }

// Registry exposes the endpoint/name registry, e.g. so the rpc package can
// resolve a b2b link's local UniqueName from the sender guid carried on an
// inbound ExchangeNames/NameChanged/DetachSession call.
func (c *Controller) Registry() *Registry { return c.registry }

// Advertise exposes the advertise map for metrics collection.
func (c *Controller) Advertise() *AdvertiseMap { return c.advertise }

// NameOwner exposes the tracker for the b2b-connect handshake and inbound
// RPC handlers.
func (c *Controller) NameOwner() *NameOwnerTracker { return c.nameOwner }

// SessionCount reports the number of live (id != 0) session-map entries,
// for metrics.
func (c *Controller) SessionCount() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	n := 0
	for k := range c.sessions {
 if k.id != 0 {
 n++
 }
	}
	return n
}

// BindReservationCount reports the number of outstanding bind
// reservations, for metrics.
func (c *Controller) BindReservationCount() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return len(c.binds)
}

// SetObjectSystem installs the local-object-system collaborator. The
// ObjectSystem implementation (rpc.BusService) itself needs a
// *Controller reference, so main constructs the Controller with a nil
// ObjectSystem and binds the real one afterward, before serving begins.
func (c *Controller) SetObjectSystem(o ObjectSystem) { c.objSys = o }

// NameDiscovery exposes the TTL-indexed cache, e.g. so the daemon can start
// its RunReaper goroutine.
func (c *Controller) NameDiscovery() *NameDiscoveryMap { return c.nameDiscovery }

// acquireLocks takes the two-lock pair in the mandated order and
// returns a function that releases them in reverse.
func (c *Controller) acquireLocks() func() {
	c.registry.Lock()
	c.stateMu.Lock()
	return func() {
 c.stateMu.Unlock()
 c.registry.Unlock()
	}
}

// acquireLocksRead takes the name table read lock plus the exclusive state
// lock; the state map has no separate reader/writer split because every
// mutation touches the session map, route table, and name maps together.
func (c *Controller) acquireLocksRead() func() {
	c.registry.RLock()
	c.stateMu.Lock()
	return func() {
 c.stateMu.Unlock()
 c.registry.RUnlock()
	}
}

// Stopping reports whether shutdown has been latched.
func (c *Controller) Stopping() bool { return c.isStopping.Load() }

// Shutdown latches isStopping, stops outstanding per-join worker tasks, and
// waits for them to return.
func (c *Controller) Shutdown() {
	c.isStopping.Store(true)
	c.workers.stopAll()
}

// ErrShuttingDown is returned by entry points that refuse new work once
// Shutdown has been called.
var ErrShuttingDown = errors.New("daemon is shutting down")

// -------------------------------------------------------------------------
// BindSessionPort / UnbindSessionPort
// -------------------------------------------------------------------------

// BindSessionPort reserves a session port for host, generating one starting
// at 10000 when requestedPort is ANY (0).
func (c *Controller) BindSessionPort(host wire.UniqueName, requestedPort uint16, opts wire.Opts) (BindReply, uint16, error) {
	if err := opts.Validate(); err != nil {
 return BindInvalidOpts, 0, err
	}
	if opts.Traffic&wire.TrafficRawReliable != 0 && c.newSocketPair == nil {
 return BindInvalidOpts, 0, fmt.Errorf("bind session port: %w", ErrRawSessionsUnsupported)
	}

	unlock := c.acquireLocks()
	defer unlock()

	port := requestedPort
	if requestedPort == 0 {
 p, ok := firstUnusedPort(func(p uint16) bool {
 _, exists := c.binds[bindKey{host: host, port: p}]
 return exists
 })
 if !ok {
 return BindFailed, 0, fmt.Errorf("bind session port: no free port for host %s", host)
 }
 port = p
	}

	key := bindKey{host: host, port: port}
	if _, exists := c.binds[key]; exists {
 return BindAlreadyExists, 0, fmt.Errorf("bind session port %d for %s: already bound", port, host)
	}

	c.binds[key] = newBindReservation(host, port, opts)
	c.logger.Info("session port bound",
 slog.String("host", string(host)),
 slog.Uint64("port", uint64(port)))
	return BindSuccess, port, nil
}

// UnbindSessionPort removes the bind reservation for (host, port). It does
// not tear down any live sessions already joined on that port.
func (c *Controller) UnbindSessionPort(host wire.UniqueName, port uint16) error {
	unlock := c.acquireLocks()
	defer unlock()

	key := bindKey{host: host, port: port}
	if _, ok := c.binds[key]; !ok {
 return fmt.Errorf("unbind session port %d for %s: %w", port, host, ErrNoBindReservation)
	}
	delete(c.binds, key)
	c.logger.Info("session port unbound",
 slog.String("host", string(host)),
 slog.Uint64("port", uint64(port)))
	return nil
}

// ErrNoBindReservation indicates no bind reservation matches the request.
var ErrNoBindReservation = errors.New("no bind reservation for host/port")

// ErrRawSessionsUnsupported indicates this daemon build has no fd-passing
// transport wired in.
var ErrRawSessionsUnsupported = errors.New("raw sessions unsupported: no fd-passing transport configured")

// -------------------------------------------------------------------------
// Session-map helpers shared by join.go / attach.go / leave.go. All must be
// called with stateMu (and usually the registry lock) already held.
// -------------------------------------------------------------------------

// findBind returns the bind reservation for (host, port), if any.
func (c *Controller) findBind(host wire.UniqueName, port uint16) (*SessionEntry, bool) {
	e, ok := c.binds[bindKey{host: host, port: port}]
	return e, ok
}

// findLive returns the live session entry for (endpoint, id), if any.
func (c *Controller) findLive(endpoint wire.UniqueName, id uint32) (*SessionEntry, bool) {
	e, ok := c.sessions[liveKey{endpoint: endpoint, id: id}]
	return e, ok
}

// insertLive registers a live session entry for endpoint under id.
func (c *Controller) insertLive(endpoint wire.UniqueName, id uint32, entry *SessionEntry) {
	c.sessions[liveKey{endpoint: endpoint, id: id}] = entry
}

// removeLive deletes the live session entry for (endpoint, id).
func (c *Controller) removeLive(endpoint wire.UniqueName, id uint32) {
	delete(c.sessions, liveKey{endpoint: endpoint, id: id})
}

// findLiveHostEntry returns the host-side live entry for (host, port), if
// one already exists, i.e. a prior JoinSession/AttachSession created a
// session on that port that is still open.
func (c *Controller) findLiveHostEntry(host wire.UniqueName, port uint16) (*SessionEntry, bool) {
	for k, e := range c.sessions {
 if k.endpoint == host && k.id != 0 && e.SessionPort == port && e.SessionHost == host {
 return e, true
 }
	}
	return nil, false
}

// entriesForID returns every local session-map entry sharing id, i.e. the
// host's entry plus each local joiner's entry.
func (c *Controller) entriesForID(id uint32) []*SessionEntry {
	var out []*SessionEntry
	for k, e := range c.sessions {
 if k.id == id {
 out = append(out, e)
 }
	}
	return out
}

// sessionIDInUse reports whether id is already the key of any live entry.
func (c *Controller) sessionIDInUse(id uint32) bool {
	for k := range c.sessions {
 if k.id == id {
 return true
 }
	}
	return false
}

// onNameExpired is the NameDiscoveryMap reaper callback: it logs the
// expiry and then calls the hook installed with SetLostNameHook, if any,
// which is where LostAdvertisedName delivery to discoverers is wired in.
func (c *Controller) onNameExpired(name wire.WellKnownName, rec NameRecord) {
	c.logger.Info("name-discovery record expired",
 slog.String("name", string(name)),
 slog.String("guid", rec.GUID))
	if c.lostNameHook != nil {
 c.lostNameHook(name, rec)
	}
}

// SetLostNameHook installs the callback invoked after a name-discovery
// record is reaped.
func (c *Controller) SetLostNameHook(fn func(wire.WellKnownName, NameRecord)) {
	c.lostNameHook = fn
}
