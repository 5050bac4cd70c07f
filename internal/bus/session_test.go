package bus

import (
	"testing"

	"github.com/busd-project/busd/internal/wire"
)

func TestGenerateSessionIDNeverZeroAndRetriesOnCollision(t *testing.T) {
	calls := 0
	id := generateSessionID(func(uint32) bool {
		calls++
		return calls < 4 // force three collisions
	})
	if id == 0 {
		t.Error("generateSessionID returned 0")
	}
	if calls < 4 {
		t.Errorf("generator consulted used() %d times, want >= 4 (forced redraws)", calls)
	}
}

func TestFirstUnusedPortStartsAt10000(t *testing.T) {
	port, ok := firstUnusedPort(func(uint16) bool { return false })
	if !ok || port != 10000 {
		t.Errorf("firstUnusedPort(empty) = (%d, %v), want (10000, true)", port, ok)
	}
}

func TestFirstUnusedPortSkipsReservedAndZero(t *testing.T) {
	reserved := map[uint16]bool{10000: true, 10001: true}
	port, ok := firstUnusedPort(func(p uint16) bool { return reserved[p] })
	if !ok || port != 10002 {
		t.Errorf("firstUnusedPort = (%d, %v), want (10002, true)", port, ok)
	}
}

func TestFirstUnusedPortFullSpace(t *testing.T) {
	if port, ok := firstUnusedPort(func(uint16) bool { return true }); ok {
		t.Errorf("firstUnusedPort(full) = (%d, true), want no port", port)
	}
}

func TestSessionEntryLost(t *testing.T) {
	cases := []struct {
		name  string
		entry SessionEntry
		want  bool
	}{
		{"empty members, no fd", SessionEntry{FD: -1}, true},
		{"raw fd still owned", SessionEntry{FD: 7}, false},
		{"members remain with host", SessionEntry{FD: -1, SessionHost: ":d1.1", Members: []wire.UniqueName{":d1.2"}}, false},
		{"single member, host departed", SessionEntry{FD: -1, Members: []wire.UniqueName{":d1.2"}}, true},
		{"two members, host departed", SessionEntry{FD: -1, Members: []wire.UniqueName{":d1.2", ":d1.3"}}, false},
	}
	for _, tc := range cases {
		if got := tc.entry.Lost(); got != tc.want {
			t.Errorf("%s: Lost() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRegistryNeverReusesUniqueNames(t *testing.T) {
	registry := NewRegistry("d1")
	first := registry.NewLocalEndpoint()
	registry.Remove(first.Name)
	second := registry.NewLocalEndpoint()
	if first.Name == second.Name {
		t.Errorf("unique name %s was re-issued after removal", first.Name)
	}
}

func TestRegistryRejectsVirtualWithOwnGuid(t *testing.T) {
	registry := NewRegistry("d1")
	if _, err := registry.GetOrCreateVirtual(":d1.7"); err == nil {
		t.Error("GetOrCreateVirtual accepted a name carrying the local daemon guid")
	}
}

func TestEndpointRemoveB2BReturnsCarriedSessions(t *testing.T) {
	registry := NewRegistry("d1")
	ep, err := registry.GetOrCreateVirtual(":d2.1")
	if err != nil {
		t.Fatalf("GetOrCreateVirtual: %v", err)
	}
	_ = ep.AddRoute(5, ":d1.100")
	_ = ep.AddRoute(6, ":d1.100")
	_ = ep.AddRoute(7, ":d1.200")

	removed := ep.RemoveB2B(":d1.100")
	if len(removed) != 2 {
		t.Errorf("RemoveB2B removed sessions %v, want the two via :d1.100", removed)
	}
	if ep.Destroyable() {
		t.Error("endpoint with a surviving route must not be destroyable")
	}
	ep.RemoveB2B(":d1.200")
	if !ep.Destroyable() {
		t.Error("endpoint with an empty route set must be destroyable")
	}
}

func TestB2BWaitersBlockDestroyability(t *testing.T) {
	registry := NewRegistry("d1")
	b2b := registry.NewB2BEndpoint("d2", "tcp:addr=a")

	if !b2b.Destroyable() {
		t.Fatal("fresh b2b with no refs/waiters should be destroyable")
	}
	b2b.IncrementWaiters()
	if b2b.Destroyable() {
		t.Error("b2b with a waiter must not be destroyable")
	}
	b2b.DecrementWaiters()
	if !b2b.Destroyable() {
		t.Error("b2b should be destroyable once the waiter is released")
	}

	// Decrements clamp at zero; error-recovery paths may repeat them.
	b2b.DecrementWaiters()
	if got := b2b.Waiters(); got != 0 {
		t.Errorf("Waiters() after over-decrement = %d, want 0", got)
	}
	b2b.IncrementRef()
	b2b.DecrementRef()
	b2b.DecrementRef()
	if got := b2b.RefCount(); got != 0 {
		t.Errorf("RefCount() after over-decrement = %d, want 0", got)
	}
}
