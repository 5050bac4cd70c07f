package bus

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/busd-project/busd/internal/wire"
)

// InfiniteTTL marks a name-discovery record as locally injected and never
// reaped.
const InfiniteTTL uint32 = 0xFFFFFFFF

// LocalPseudoBusAddr is the synthetic bus address injected into the
// name-discovery map for TRANSPORT_LOCAL advertisements, so
// local discoverers see their own daemon's advertised names without a
// round trip through a transport plugin.
const LocalPseudoBusAddr = "local:"

// NameRecord is one name-discovery map value.
type NameRecord struct {
	GUID string
	BusAddr string
	TransportMask wire.Transport
	Timestamp time.Time
	TTL time.Duration
	ttlMillis uint32
}

// Expired reports whether the record should be reaped at now.
func (r NameRecord) Expired(now time.Time) bool {
	if r.ttlMillis == InfiniteTTL {
 return false
	}
	return now.Sub(r.Timestamp) >= r.TTL
}

type recordKey struct {
	guid string
	busAddr string
}

// NameDiscoveryMap is the TTL-indexed cache of names found remotely,
// multi-valued per name string.
type NameDiscoveryMap struct {
	mu sync.Mutex
	byName map[wire.WellKnownName]map[recordKey]NameRecord
	expiry expiryHeap
	clock func() time.Time
	onExpiry func(wire.WellKnownName, NameRecord)
}

// NewNameDiscoveryMap constructs an empty name-discovery map. onExpiry, if
// non-nil, is invoked (outside the map's own lock) once per reaped record;
// the reaper uses it to fire LostAdvertisedName.
func NewNameDiscoveryMap(onExpiry func(wire.WellKnownName, NameRecord)) *NameDiscoveryMap {
	return &NameDiscoveryMap{
 byName: make(map[wire.WellKnownName]map[recordKey]NameRecord),
 clock: time.Now,
 onExpiry: onExpiry,
	}
}

// expiryItem is one scheduled expiration in the reaper's min-heap.
type expiryItem struct {
	name wire.WellKnownName
	key recordKey
	deadline time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h expiryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Put inserts or refreshes a record for name from (guid, busAddr). ttlMillis
// of InfiniteTTL never expires.
func (m *NameDiscoveryMap) Put(name wire.WellKnownName, guid, busAddr string, mask wire.Transport, ttlMillis uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	rec := NameRecord{
 GUID: guid,
 BusAddr: busAddr,
 TransportMask: mask,
 Timestamp: now,
 ttlMillis: ttlMillis,
	}
	if ttlMillis != InfiniteTTL {
 rec.TTL = time.Duration(ttlMillis) * time.Millisecond
	}

	key := recordKey{guid: guid, busAddr: busAddr}
	entries, ok := m.byName[name]
	if !ok {
 entries = make(map[recordKey]NameRecord)
 m.byName[name] = entries
	}
	entries[key] = rec

	if ttlMillis != InfiniteTTL {
 heap.Push(&m.expiry, expiryItem{name: name, key: key, deadline: now.Add(rec.TTL)})
	}
}

// Remove deletes the record for (name, guid, busAddr), if present.
func (m *NameDiscoveryMap) Remove(name wire.WellKnownName, guid, busAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.byName[name]
	if !ok {
 return
	}
	delete(entries, recordKey{guid: guid, busAddr: busAddr})
	if len(entries) == 0 {
 delete(m.byName, name)
	}
}

// Lookup returns every record currently held for name.
func (m *NameDiscoveryMap) Lookup(name wire.WellKnownName) []NameRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.byName[name]
	out := make([]NameRecord, 0, len(entries))
	for _, r := range entries {
 out = append(out, r)
	}
	return out
}

// Len reports the total number of live records across every name, for
// metrics.
func (m *NameDiscoveryMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entries := range m.byName {
 n += len(entries)
	}
	return n
}

// MatchPrefix returns every (name, record) whose name has the given
// prefix, for FindAdvertisedName catch-up scanning.
func (m *NameDiscoveryMap) MatchPrefix(prefix string) []struct {
	Name wire.WellKnownName
	Record NameRecord
} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []struct {
 Name wire.WellKnownName
 Record NameRecord
	}
	for name, entries := range m.byName {
 if !name.HasPrefix(prefix) {
 continue
 }
 for _, r := range entries {
 out = append(out, struct {
 Name wire.WellKnownName
 Record NameRecord
 }{Name: name, Record: r})
 }
	}
	return out
}

// nextDeadline returns the earliest scheduled expiration, skipping entries
// that have since been superseded or removed, and true if one exists.
func (m *NameDiscoveryMap) nextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.expiry.Len() > 0 {
 top := m.expiry[0]
 entries, ok := m.byName[top.name]
 if !ok {
 heap.Pop(&m.expiry)
 continue
 }
 cur, ok := entries[top.key]
 if !ok || cur.ttlMillis == InfiniteTTL || !cur.Timestamp.Add(cur.TTL).Equal(top.deadline) {
 heap.Pop(&m.expiry)
 continue
 }
 return top.deadline, true
	}
	return time.Time{}, false
}

// reapExpired removes every record whose deadline has passed as of now,
// invoking onExpiry for each (outside the lock).
func (m *NameDiscoveryMap) reapExpired(now time.Time) {
	var reaped []struct {
 name wire.WellKnownName
 rec NameRecord
	}

	m.mu.Lock()
	for m.expiry.Len() > 0 && !m.expiry[0].deadline.After(now) {
 top := heap.Pop(&m.expiry).(expiryItem)
 entries, ok := m.byName[top.name]
 if !ok {
 continue
 }
 cur, ok := entries[top.key]
 if !ok || cur.ttlMillis == InfiniteTTL || !cur.Timestamp.Add(cur.TTL).Equal(top.deadline) {
 continue
 }
 if !cur.Expired(now) {
 continue
 }
 delete(entries, top.key)
 if len(entries) == 0 {
 delete(m.byName, top.name)
 }
 reaped = append(reaped, struct {
 name wire.WellKnownName
 rec NameRecord
 }{name: top.name, rec: cur})
	}
	m.mu.Unlock()

	if m.onExpiry == nil {
 return
	}
	for _, r := range reaped {
 m.onExpiry(r.name, r.rec)
	}
}

// reaperMinSleep bounds how eagerly the reaper re-checks an empty schedule,
// avoiding a busy loop when the map is empty.
const reaperMinSleep = 100 * time.Millisecond

// RunReaper runs the TTL reaper task until ctx is cancelled: it sleeps until the next scheduled expiration, wakes,
// scans, reaps, and reschedules.
func (m *NameDiscoveryMap) RunReaper(ctx context.Context, logger *slog.Logger) {
	logger = logger.With(slog.String("component", "bus.discovery.reaper"))
	timer := time.NewTimer(reaperMinSleep)
	defer timer.Stop()

	for {
 select {
 case <-ctx.Done():
 logger.Info("ttl reaper stopped")
 return
 case <-timer.C:
 }

 now := m.clock()
 m.reapExpired(now)

 next, ok := m.nextDeadline()
 var sleep time.Duration
 if !ok {
 sleep = reaperMinSleep
 } else {
 sleep = next.Sub(now)
 if sleep < 0 {
 sleep = 0
 }
 }
 timer.Reset(sleep)
	}
}
