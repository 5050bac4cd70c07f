package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/busd-project/busd/internal/wire"
)

// attachFixture binds a reservation on a local host and registers an
// inbound b2b link, the baseline for every Case A attach test.
func attachFixture(t *testing.T, opts wire.Opts) (*Controller, *Registry, *fakeObjectSystem, wire.UniqueName, wire.UniqueName, uint16) {
	t.Helper()
	ctrl, registry, objSys, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	b2b := registry.NewB2BEndpoint("d2", "tcp:addr=10.0.0.2,port=9955")

	_, port, err := ctrl.BindSessionPort(host.Name, 0, opts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	return ctrl, registry, objSys, host.Name, b2b.Name, port
}

func TestHandleAttachSessionLocalDest(t *testing.T) {
	ctrl, registry, objSys, host, b2b, port := attachFixture(t, msgOpts)
	joiner := wire.UniqueName(":d2.5")

	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port:        port,
		Joiner:      joiner,
		SessionHost: host,
		Dest:        host,
		SrcB2B:      b2b,
		Opts:        msgOpts,
	})
	if resp.Reply != JoinSuccess || resp.ID == 0 {
		t.Fatalf("attach = (%v, id=%d), want (SUCCESS, id>0)", resp.Reply, resp.ID)
	}
	if len(resp.Members) != 0 {
		t.Errorf("first joiner's member list = %v, want empty", resp.Members)
	}

	// The remote joiner becomes a virtual endpoint routed over the inbound
	// link.
	virt, ok := registry.Find(joiner)
	if !ok || virt.Kind != KindVirtual {
		t.Fatal("joiner was not registered as a virtual endpoint")
	}
	if via, ok := virt.BusToBusFor(resp.ID); !ok || via != b2b {
		t.Errorf("joiner route for session = (%q, %v), want via %s", via, ok, b2b)
	}

	if via, ok := ctrl.Routes().Route(resp.ID, host, joiner); !ok || via != b2b {
		t.Errorf("host->joiner route = (%q, %v), want via %s", via, ok, b2b)
	}

	joined := objSys.byKind("session_joined")
	if len(joined) != 1 || joined[0].to != host || joined[0].member != joiner {
		t.Errorf("SessionJoined = %+v, want one to host for the remote joiner", joined)
	}
	probes := objSys.byKind("accept_probe")
	if len(probes) != 1 || probes[0].to != host {
		t.Errorf("accept probes = %+v, want exactly one at the session creator", probes)
	}
}

func TestHandleAttachSessionNoReservation(t *testing.T) {
	ctrl, _, _, host, b2b, _ := attachFixture(t, msgOpts)

	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port:        9, // no reservation on this port
		Joiner:      ":d2.5",
		SessionHost: host,
		Dest:        host,
		SrcB2B:      b2b,
		Opts:        msgOpts,
	})
	if resp.Reply != JoinNoSession {
		t.Errorf("attach to unbound port = %v, want NO_SESSION", resp.Reply)
	}
}

func TestHandleAttachSessionBadOpts(t *testing.T) {
	ctrl, _, _, host, b2b, port := attachFixture(t, msgOpts)

	raw := msgOpts
	raw.Traffic = wire.TrafficRawReliable
	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port:        port,
		Joiner:      ":d2.5",
		SessionHost: host,
		Dest:        host,
		SrcB2B:      b2b,
		Opts:        raw,
	})
	if resp.Reply != JoinBadSessionOpts {
		t.Errorf("incompatible attach = %v, want BAD_SESSION_OPTS", resp.Reply)
	}
}

func TestHandleAttachSessionRejectedRollsBack(t *testing.T) {
	ctrl, _, objSys, host, b2b, port := attachFixture(t, msgOpts)
	objSys.acceptReply = false

	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port:        port,
		Joiner:      ":d2.5",
		SessionHost: host,
		Dest:        host,
		SrcB2B:      b2b,
		Opts:        msgOpts,
	})
	if resp.Reply != JoinRejected {
		t.Errorf("rejected attach = %v, want REJECTED", resp.Reply)
	}
	if got := ctrl.SessionCount(); got != 0 {
		t.Errorf("SessionCount after rejection = %d, want 0", got)
	}
	if got := ctrl.Routes().Len(); got != 0 {
		t.Errorf("routes after rejection = %d, want 0", got)
	}
}

func TestHandleAttachSessionUnknownB2B(t *testing.T) {
	ctrl, _, _, host, _, port := attachFixture(t, msgOpts)

	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port:        port,
		Joiner:      ":d2.5",
		SessionHost: host,
		Dest:        host,
		SrcB2B:      ":d1.99", // never registered
		Opts:        msgOpts,
	})
	if resp.Reply != JoinFailed {
		t.Errorf("attach over unknown b2b = %v, want FAILED", resp.Reply)
	}
}

func TestHandleAttachSessionUnknownDest(t *testing.T) {
	ctrl, _, _, _, b2b, _ := attachFixture(t, msgOpts)

	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port:        1,
		Joiner:      ":d2.5",
		SessionHost: ":d9.1",
		Dest:        ":d9.1",
		SrcB2B:      b2b,
		Opts:        msgOpts,
	})
	if resp.Reply != JoinNoSession {
		t.Errorf("attach to unknown dest = %v, want NO_SESSION", resp.Reply)
	}
}

func TestHandleAttachSessionMultipointReusesSessionID(t *testing.T) {
	mp := msgOpts
	mp.IsMultipoint = true
	ctrl, _, _, host, b2b, port := attachFixture(t, mp)

	first := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port: port, Joiner: ":d2.5", SessionHost: host, Dest: host, SrcB2B: b2b, Opts: mp,
	})
	if first.Reply != JoinSuccess {
		t.Fatalf("first attach = %v, want SUCCESS", first.Reply)
	}

	second := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port: port, Joiner: ":d2.6", SessionHost: host, Dest: host, SrcB2B: b2b, Opts: mp,
	})
	if second.Reply != JoinSuccess {
		t.Fatalf("second attach = %v, want SUCCESS", second.Reply)
	}
	if second.ID != first.ID {
		t.Errorf("second multipoint attach minted session %d, want reuse of %d", second.ID, first.ID)
	}
	if len(second.Members) != 1 || second.Members[0] != ":d2.5" {
		t.Errorf("second joiner's member list = %v, want [:d2.5]", second.Members)
	}
}

func TestHandleAttachSessionDuplicateJoiner(t *testing.T) {
	mp := msgOpts
	mp.IsMultipoint = true
	ctrl, _, _, host, b2b, port := attachFixture(t, mp)

	req := AttachSessionRequest{Port: port, Joiner: ":d2.5", SessionHost: host, Dest: host, SrcB2B: b2b, Opts: mp}
	if resp := ctrl.HandleAttachSession(context.Background(), req); resp.Reply != JoinSuccess {
		t.Fatalf("first attach = %v, want SUCCESS", resp.Reply)
	}
	if resp := ctrl.HandleAttachSession(context.Background(), req); resp.Reply != JoinAlreadyJoined {
		t.Errorf("duplicate attach = %v, want ALREADY_JOINED", resp.Reply)
	}
}

func TestHandleAttachSessionRawAdoptsInboundStream(t *testing.T) {
	raw := msgOpts
	raw.Traffic = wire.TrafficRawReliable
	ctrl, _, _, host, b2b, port := attachFixture(t, raw)

	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port:        port,
		Joiner:      ":d2.5",
		SessionHost: host,
		Dest:        host,
		SrcB2B:      b2b,
		Opts:        raw,
	})
	if resp.Reply != JoinSuccess {
		t.Fatalf("raw attach = %v, want SUCCESS", resp.Reply)
	}
	if got := ctrl.Routes().Len(); got != 0 {
		t.Errorf("routes after raw attach = %d, want 0 (bytes flow on fds, not bus routes)", got)
	}

	unlock := ctrl.acquireLocks()
	entry, ok := ctrl.findLive(host, resp.ID)
	unlock()
	if !ok {
		t.Fatal("host-side raw session entry missing")
	}
	if entry.StreamingEp != b2b {
		t.Errorf("StreamingEp = %q, want %q while awaiting the joiner's stream", entry.StreamingEp, b2b)
	}

	// The joiner's daemon opens its raw stream; adoption socketpairs it to
	// the host so GetSessionFd has an fd to hand over.
	if err := ctrl.AdoptRawStream(resp.ID, 777); err != nil {
		t.Fatalf("AdoptRawStream: %v", err)
	}
	unlock = ctrl.acquireLocks()
	entry, ok = ctrl.findLive(host, resp.ID)
	unlock()
	if !ok {
		t.Fatal("host-side entry vanished during adoption")
	}
	if entry.FD == -1 {
		t.Error("host entry has no fd after stream adoption")
	}
	if entry.StreamingEp != "" {
		t.Errorf("StreamingEp = %q, want cleared after adoption", entry.StreamingEp)
	}
}

func TestAdoptRawStreamUnclaimedIsClosedWithError(t *testing.T) {
	ctrl, _, _, _ := testController(t, "d1")
	if err := ctrl.AdoptRawStream(424242, 777); !errors.Is(err, ErrNoRawWaiter) {
		t.Errorf("AdoptRawStream(unclaimed) error = %v, want ErrNoRawWaiter", err)
	}
}

func TestLeaveSessionDropsPendingRawWaiter(t *testing.T) {
	raw := msgOpts
	raw.Traffic = wire.TrafficRawReliable
	ctrl, _, _, host, b2b, port := attachFixture(t, raw)

	resp := ctrl.HandleAttachSession(context.Background(), AttachSessionRequest{
		Port: port, Joiner: ":d2.5", SessionHost: host, Dest: host, SrcB2B: b2b, Opts: raw,
	})
	if resp.Reply != JoinSuccess {
		t.Fatalf("raw attach = %v, want SUCCESS", resp.Reply)
	}

	if err := ctrl.LeaveSession(context.Background(), host, resp.ID); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	if err := ctrl.AdoptRawStream(resp.ID, 777); !errors.Is(err, ErrNoRawWaiter) {
		t.Errorf("stream adopted after the session left: err = %v, want ErrNoRawWaiter", err)
	}
}

func TestHandleDetachSessionRemovesMemberAndSynthesisesLost(t *testing.T) {
	ctrl, registry, objSys, _ := testController(t, "d1")
	local := registry.NewLocalEndpoint()
	remote := wire.UniqueName(":d2.5")

	unlock := ctrl.acquireLocks()
	ctrl.insertLive(local.Name, 55, &SessionEntry{
		SessionHost: local.Name,
		SessionPort: 4000,
		Opts:        msgOpts,
		ID:          55,
		Members:     []wire.UniqueName{remote},
		FD:          -1,
	})
	ctrl.routes.AddSessionRoute(55, local.Name, remote, ":d1.9")
	unlock()

	ctrl.HandleDetachSession(context.Background(), ":d1.9", 55, remote)

	lost := objSys.byKind("session_lost")
	if len(lost) != 1 || lost[0].to != local.Name || lost[0].sessionID != 55 {
		t.Errorf("SessionLost = %+v, want one to the local host for session 55", lost)
	}
	if got := ctrl.SessionCount(); got != 0 {
		t.Errorf("SessionCount after detach = %d, want 0", got)
	}
	if _, ok := ctrl.Routes().Route(55, local.Name, remote); ok {
		t.Error("route to the detached member survived")
	}
}
