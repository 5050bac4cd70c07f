package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/busd-project/busd/internal/wire"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sentSignal records one ObjectSystem delivery for test verification.
type sentSignal struct {
	kind      string
	to        wire.UniqueName
	port      uint16
	sessionID uint32
	member    wire.UniqueName
	added     bool
	name      wire.WellKnownName
	transport wire.Transport
	busAddr   string
}

// fakeObjectSystem captures every signal the core emits and answers
// AcceptSessionJoiner probes with a configurable verdict.
type fakeObjectSystem struct {
	mu          sync.Mutex
	acceptReply bool
	acceptErr   error
	signals     []sentSignal
}

func newFakeObjectSystem() *fakeObjectSystem {
	return &fakeObjectSystem{acceptReply: true}
}

func (f *fakeObjectSystem) AcceptSessionJoiner(_ context.Context, host wire.UniqueName, port uint16, sessionID uint32, joiner wire.UniqueName, _ wire.Opts) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sentSignal{kind: "accept_probe", to: host, port: port, sessionID: sessionID, member: joiner})
	return f.acceptReply, f.acceptErr
}

func (f *fakeObjectSystem) SessionJoined(_ context.Context, to wire.UniqueName, port uint16, sessionID uint32, joiner wire.UniqueName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sentSignal{kind: "session_joined", to: to, port: port, sessionID: sessionID, member: joiner})
}

func (f *fakeObjectSystem) SessionLost(_ context.Context, to wire.UniqueName, sessionID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sentSignal{kind: "session_lost", to: to, sessionID: sessionID})
}

func (f *fakeObjectSystem) MPSessionChanged(_ context.Context, to wire.UniqueName, sessionID uint32, member wire.UniqueName, added bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sentSignal{kind: "mp_session_changed", to: to, sessionID: sessionID, member: member, added: added})
}

func (f *fakeObjectSystem) FoundAdvertisedName(_ context.Context, to wire.UniqueName, name wire.WellKnownName, transport wire.Transport, busAddr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sentSignal{kind: "found_advertised_name", to: to, name: name, transport: transport, busAddr: busAddr})
}

func (f *fakeObjectSystem) LostAdvertisedName(_ context.Context, to wire.UniqueName, name wire.WellKnownName, transport wire.Transport, busAddr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sentSignal{kind: "lost_advertised_name", to: to, name: name, transport: transport, busAddr: busAddr})
}

// byKind returns every captured signal of the given kind.
func (f *fakeObjectSystem) byKind(kind string) []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentSignal
	for _, s := range f.signals {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// sentAttach records one outbound AttachSession RPC.
type sentAttach struct {
	via wire.UniqueName
	req AttachSessionRequest
}

// sentNameChange records one outbound NameChanged signal.
type sentNameChange struct {
	via      wire.UniqueName
	alias    string
	oldOwner wire.UniqueName
	newOwner wire.UniqueName
}

// fakeRPC implements DaemonRPC, recording every call and answering
// AttachSession with a configurable response. onExchange, if set, lets a
// test play the remote daemon's side of the ExchangeNames handshake.
type fakeRPC struct {
	mu          sync.Mutex
	attachResp  AttachSessionResponse
	attachErr   error
	sessionInfo []string
	onExchange  func(via wire.UniqueName, entries []NameAliasEntry)

	attaches    []sentAttach
	detachCalls []struct {
		via       wire.UniqueName
		sessionID uint32
		joiner    wire.UniqueName
	}
	exchanges []struct {
		via     wire.UniqueName
		entries []NameAliasEntry
	}
	nameChanges []sentNameChange
}

func (f *fakeRPC) AttachSession(_ context.Context, via wire.UniqueName, req AttachSessionRequest) (AttachSessionResponse, error) {
	f.mu.Lock()
	f.attaches = append(f.attaches, sentAttach{via: via, req: req})
	resp, err := f.attachResp, f.attachErr
	f.mu.Unlock()
	return resp, err
}

func (f *fakeRPC) GetSessionInfo(_ context.Context, _ wire.UniqueName, _ wire.UniqueName, _ uint16, _ wire.Opts) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionInfo, nil
}

func (f *fakeRPC) DetachSession(_ context.Context, via wire.UniqueName, sessionID uint32, joiner wire.UniqueName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachCalls = append(f.detachCalls, struct {
		via       wire.UniqueName
		sessionID uint32
		joiner    wire.UniqueName
	}{via, sessionID, joiner})
}

func (f *fakeRPC) ExchangeNames(_ context.Context, via wire.UniqueName, entries []NameAliasEntry) {
	f.mu.Lock()
	f.exchanges = append(f.exchanges, struct {
		via     wire.UniqueName
		entries []NameAliasEntry
	}{via, entries})
	hook := f.onExchange
	f.mu.Unlock()
	if hook != nil {
		hook(via, entries)
	}
}

func (f *fakeRPC) NameChanged(_ context.Context, via wire.UniqueName, alias string, oldOwner, newOwner wire.UniqueName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nameChanges = append(f.nameChanges, sentNameChange{via: via, alias: alias, oldOwner: oldOwner, newOwner: newOwner})
}

// fakeTransport implements LinkTransport and RawStreamDialer, recording
// advertise/discover toggles and answering Connect / DialRawStream with
// fixed results.
type fakeTransport struct {
	mu         sync.Mutex
	mask       wire.Transport
	remoteGUID string
	connectErr error
	discErr    error
	rawFD      int
	rawErr     error

	connects      []string
	rawDials      []rawDial
	enabledAds    []wire.WellKnownName
	cancelledAds  []wire.WellKnownName
	enabledDisc   []string
	cancelledDisc []string
}

// rawDial records one DialRawStream call.
type rawDial struct {
	busAddr   string
	sessionID uint32
}

func (f *fakeTransport) Mask() wire.Transport { return f.mask }

func (f *fakeTransport) Connect(_ context.Context, busAddr string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, busAddr)
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return f.remoteGUID, nil
}

func (f *fakeTransport) DialRawStream(_ context.Context, busAddr string, sessionID uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawDials = append(f.rawDials, rawDial{busAddr: busAddr, sessionID: sessionID})
	if f.rawErr != nil {
		return -1, f.rawErr
	}
	return f.rawFD, nil
}

func (f *fakeTransport) EnableAdvertisement(_ context.Context, name wire.WellKnownName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabledAds = append(f.enabledAds, name)
	return nil
}

func (f *fakeTransport) CancelAdvertisement(_ context.Context, name wire.WellKnownName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledAds = append(f.cancelledAds, name)
	return nil
}

func (f *fakeTransport) EnableDiscovery(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discErr != nil {
		return f.discErr
	}
	f.enabledDisc = append(f.enabledDisc, prefix)
	return nil
}

func (f *fakeTransport) CancelDiscovery(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledDisc = append(f.cancelledDisc, prefix)
	return nil
}

// fakePump implements RawSocketPump; it returns immediately so worker
// goroutines never outlive the test that spawned them.
type fakePump struct{}

func (fakePump) Pump(context.Context, int, int) error { return nil }

// testPairCounter hands out predictable fake fd pairs for raw-session
// plumbing tests. The values never reach a real syscall in these tests.
type testPairCounter struct {
	mu   sync.Mutex
	next int
}

func (p *testPairCounter) pair() (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := 1000 + p.next
	b := a + 1
	p.next += 2
	return a, b, nil
}

// testController builds a Controller on a fresh registry with the full set
// of fakes wired in.
func testController(t *testing.T, guid string, transports ...LinkTransport) (*Controller, *Registry, *fakeObjectSystem, *fakeRPC) {
	t.Helper()
	registry := NewRegistry(guid)
	objSys := newFakeObjectSystem()
	rpc := &fakeRPC{}
	pairs := &testPairCounter{}
	ctrl := NewController(registry, Deps{
		ObjectSystem:  objSys,
		RPC:           rpc,
		Transports:    transports,
		Pump:          fakePump{},
		NewSocketPair: pairs.pair,
		Logger:        testLogger(),
	})
	return ctrl, registry, objSys, rpc
}

// join runs JoinSession synchronously for tests.
func join(t *testing.T, ctrl *Controller, req JoinRequest) JoinResult {
	t.Helper()
	select {
	case res := <-ctrl.JoinSession(context.Background(), req):
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("JoinSession did not complete in time")
		return JoinResult{}
	}
}

var msgOpts = wire.Opts{
	Traffic:    wire.TrafficMessages,
	Proximity:  wire.ProximityAny,
	Transports: wire.TransportAny,
}

// -------------------------------------------------------------------------
// BindSessionPort / UnbindSessionPort
// -------------------------------------------------------------------------

func TestBindSessionPortAnyAllocatesFrom10000(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()

	reply, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil || reply != BindSuccess {
		t.Fatalf("BindSessionPort(ANY) = (%v, %v), want (SUCCESS, nil)", reply, err)
	}
	if port != 10000 {
		t.Errorf("first ANY port = %d, want 10000", port)
	}

	_, port2, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("second BindSessionPort(ANY): %v", err)
	}
	if port2 != 10001 {
		t.Errorf("second ANY port = %d, want 10001", port2)
	}
}

func TestBindSessionPortAlreadyExists(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()

	if reply, _, _ := ctrl.BindSessionPort(host.Name, 7000, msgOpts); reply != BindSuccess {
		t.Fatalf("first bind reply = %v, want SUCCESS", reply)
	}
	reply, _, err := ctrl.BindSessionPort(host.Name, 7000, msgOpts)
	if reply != BindAlreadyExists || err == nil {
		t.Errorf("duplicate bind = (%v, %v), want (ALREADY_EXISTS, error)", reply, err)
	}
}

func TestBindSessionPortRejectsInvalidOpts(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()

	unreliable := msgOpts
	unreliable.Traffic = wire.TrafficRawUnreliable
	if reply, _, err := ctrl.BindSessionPort(host.Name, 0, unreliable); reply != BindInvalidOpts || !errors.Is(err, wire.ErrRawUnreliable) {
		t.Errorf("RAW_UNRELIABLE bind = (%v, %v), want (INVALID_OPTS, ErrRawUnreliable)", reply, err)
	}

	rawMulti := msgOpts
	rawMulti.Traffic = wire.TrafficRawReliable
	rawMulti.IsMultipoint = true
	if reply, _, err := ctrl.BindSessionPort(host.Name, 0, rawMulti); reply != BindInvalidOpts || !errors.Is(err, wire.ErrRawReliableMultipoint) {
		t.Errorf("RAW_RELIABLE+multipoint bind = (%v, %v), want (INVALID_OPTS, ErrRawReliableMultipoint)", reply, err)
	}
}

func TestBindUnbindRoundTrip(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()

	_, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	if got := ctrl.BindReservationCount(); got != 1 {
		t.Fatalf("BindReservationCount after bind = %d, want 1", got)
	}

	if err := ctrl.UnbindSessionPort(host.Name, port); err != nil {
		t.Fatalf("UnbindSessionPort: %v", err)
	}
	if got := ctrl.BindReservationCount(); got != 0 {
		t.Errorf("BindReservationCount after unbind = %d, want 0", got)
	}

	if err := ctrl.UnbindSessionPort(host.Name, port); !errors.Is(err, ErrNoBindReservation) {
		t.Errorf("double unbind error = %v, want ErrNoBindReservation", err)
	}
}

// -------------------------------------------------------------------------
// JoinSession -- local host
// -------------------------------------------------------------------------

func TestJoinSessionLocalPointToPoint(t *testing.T) {
	ctrl, registry, objSys, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	joiner := registry.NewLocalEndpoint()

	_, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	if port < 10000 {
		t.Fatalf("allocated port = %d, want >= 10000", port)
	}

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: port, Opts: msgOpts})
	if res.Reply != JoinSuccess || res.SessionID == 0 {
		t.Fatalf("JoinSession = (%v, id=%d), want (SUCCESS, id>0)", res.Reply, res.SessionID)
	}

	joined := objSys.byKind("session_joined")
	if len(joined) != 1 || joined[0].to != host.Name || joined[0].member != joiner.Name || joined[0].port != port {
		t.Errorf("SessionJoined signals = %+v, want one to host for joiner on port %d", joined, port)
	}

	if via, ok := ctrl.Routes().Route(res.SessionID, host.Name, joiner.Name); !ok || via != "" {
		t.Errorf("host->joiner route = (%q, %v), want local route present", via, ok)
	}
	if via, ok := ctrl.Routes().Route(res.SessionID, joiner.Name, host.Name); !ok || via != "" {
		t.Errorf("joiner->host route = (%q, %v), want local route present", via, ok)
	}

	if err := ctrl.LeaveSession(context.Background(), joiner.Name, res.SessionID); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}

	lost := objSys.byKind("session_lost")
	if len(lost) != 1 || lost[0].to != host.Name || lost[0].sessionID != res.SessionID {
		t.Errorf("SessionLost signals = %+v, want exactly one to host for session %d", lost, res.SessionID)
	}
	if got := ctrl.SessionCount(); got != 0 {
		t.Errorf("SessionCount after leave = %d, want 0", got)
	}
	if got := ctrl.Routes().Len(); got != 0 {
		t.Errorf("route table length after leave = %d, want 0", got)
	}
}

func TestJoinSessionSelfJoinRejected(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()

	_, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	res := join(t, ctrl, JoinRequest{Joiner: host.Name, SessionHost: host.Name, Port: port, Opts: msgOpts})
	if res.Reply != JoinAlreadyJoined || res.SessionID != 0 {
		t.Errorf("self-join = (%v, id=%d), want (ALREADY_JOINED, 0)", res.Reply, res.SessionID)
	}
	if got := ctrl.SessionCount(); got != 0 {
		t.Errorf("SessionCount after self-join = %d, want 0", got)
	}
}

func TestJoinSessionNoReservation(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	joiner := registry.NewLocalEndpoint()

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: 4242, Opts: msgOpts})
	if res.Reply != JoinNoSession {
		t.Errorf("join without reservation = %v, want NO_SESSION", res.Reply)
	}
}

func TestJoinSessionIncompatibleOpts(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	joiner := registry.NewLocalEndpoint()

	_, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	raw := msgOpts
	raw.Traffic = wire.TrafficRawReliable
	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: port, Opts: raw})
	if res.Reply != JoinBadSessionOpts {
		t.Errorf("incompatible join = %v, want BAD_SESSION_OPTS", res.Reply)
	}
}

func TestJoinSessionRejectedByHost(t *testing.T) {
	ctrl, registry, objSys, _ := testController(t, "d1")
	objSys.acceptReply = false
	host := registry.NewLocalEndpoint()
	joiner := registry.NewLocalEndpoint()

	_, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: port, Opts: msgOpts})
	if res.Reply != JoinRejected {
		t.Errorf("rejected join = %v, want REJECTED", res.Reply)
	}
	if got := ctrl.SessionCount(); got != 0 {
		t.Errorf("SessionCount after rejection = %d, want 0 (placeholder rolled back)", got)
	}
	if got := ctrl.Routes().Len(); got != 0 {
		t.Errorf("routes after rejection = %d, want 0", got)
	}
}

func TestJoinSessionAlreadyJoined(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	joiner := registry.NewLocalEndpoint()

	_, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	if res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: port, Opts: msgOpts}); res.Reply != JoinSuccess {
		t.Fatalf("first join = %v, want SUCCESS", res.Reply)
	}
	if res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: port, Opts: msgOpts}); res.Reply != JoinAlreadyJoined {
		t.Errorf("second join = %v, want ALREADY_JOINED", res.Reply)
	}
}

// -------------------------------------------------------------------------
// JoinSession -- multipoint
// -------------------------------------------------------------------------

func TestJoinSessionMultipointLocalFanout(t *testing.T) {
	ctrl, registry, objSys, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	j1 := registry.NewLocalEndpoint()
	j2 := registry.NewLocalEndpoint()

	mpOpts := msgOpts
	mpOpts.IsMultipoint = true
	_, port, err := ctrl.BindSessionPort(host.Name, 0, mpOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	res1 := join(t, ctrl, JoinRequest{Joiner: j1.Name, SessionHost: host.Name, Port: port, Opts: mpOpts})
	res2 := join(t, ctrl, JoinRequest{Joiner: j2.Name, SessionHost: host.Name, Port: port, Opts: mpOpts})
	if res1.Reply != JoinSuccess || res2.Reply != JoinSuccess {
		t.Fatalf("joins = (%v, %v), want (SUCCESS, SUCCESS)", res1.Reply, res2.Reply)
	}
	if res1.SessionID != res2.SessionID {
		t.Fatalf("multipoint session ids differ: %d vs %d", res1.SessionID, res2.SessionID)
	}

	var j1SawJ2, j2CaughtUpJ1 bool
	for _, s := range objSys.byKind("mp_session_changed") {
		if s.to == j1.Name && s.member == j2.Name && s.added {
			j1SawJ2 = true
		}
		if s.to == j2.Name && s.member == j1.Name && s.added {
			j2CaughtUpJ1 = true
		}
	}
	if !j1SawJ2 {
		t.Error("existing member j1 never received MPSessionChanged(j2, added)")
	}
	if !j2CaughtUpJ1 {
		t.Error("new member j2 never received the MPSessionChanged(j1, added) catch-up")
	}

	// j2 and j1 must be mutually routable within the session.
	if _, ok := ctrl.Routes().Route(res2.SessionID, j2.Name, j1.Name); !ok {
		t.Error("no j2->j1 route after multipoint fan-out")
	}
}

// -------------------------------------------------------------------------
// JoinSession -- raw sessions
// -------------------------------------------------------------------------

func TestJoinSessionRawReliableStashesFDs(t *testing.T) {
	ctrl, registry, objSys, _ := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	joiner := registry.NewLocalEndpoint()

	rawOpts := msgOpts
	rawOpts.Traffic = wire.TrafficRawReliable
	_, port, err := ctrl.BindSessionPort(host.Name, 0, rawOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: port, Opts: rawOpts})
	if res.Reply != JoinSuccess {
		t.Fatalf("raw join = %v, want SUCCESS", res.Reply)
	}

	unlock := ctrl.acquireLocks()
	hostEntry, hok := ctrl.findLive(host.Name, res.SessionID)
	joinerEntry, jok := ctrl.findLive(joiner.Name, res.SessionID)
	unlock()
	if !hok || !jok {
		t.Fatal("raw session entries missing for host or joiner")
	}
	if hostEntry.FD == -1 || joinerEntry.FD == -1 {
		t.Errorf("raw fds not stashed: host=%d joiner=%d", hostEntry.FD, joinerEntry.FD)
	}
	if hostEntry.FD == joinerEntry.FD {
		t.Errorf("host and joiner share fd %d, want distinct socketpair ends", hostEntry.FD)
	}

	// No message routes for a raw session: bytes flow on the fds.
	if got := ctrl.Routes().Len(); got != 0 {
		t.Errorf("routes after raw join = %d, want 0", got)
	}
	if joined := objSys.byKind("session_joined"); len(joined) != 1 {
		t.Errorf("SessionJoined count = %d, want 1", len(joined))
	}
}

func TestGetSessionFdUnknownSession(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	ep := registry.NewLocalEndpoint()

	if _, err := ctrl.GetSessionFd(context.Background(), ep.Name, 99); !errors.Is(err, ErrNotJoined) {
		t.Errorf("GetSessionFd(unknown) error = %v, want ErrNotJoined", err)
	}
}

// -------------------------------------------------------------------------
// JoinSession -- remote host
// -------------------------------------------------------------------------

func TestJoinSessionRemoteHostThroughDiscovery(t *testing.T) {
	tcp := &fakeTransport{mask: wire.TransportTCP, remoteGUID: "d2"}
	ctrl, registry, _, rpc := testController(t, "d1", tcp)
	joiner := registry.NewLocalEndpoint()
	remoteHost := wire.UniqueName(":d2.2")

	rpc.attachResp = AttachSessionResponse{Reply: JoinSuccess, ID: 77, Opts: msgOpts}
	// Play the remote daemon: answer the ExchangeNames handshake by
	// binding the host name to the new b2b link.
	rpc.onExchange = func(via wire.UniqueName, _ []NameAliasEntry) {
		ctrl.NameOwner().ApplyExchangeNames(context.Background(), via, "d2",
			[]NameAliasEntry{{UniqueName: remoteHost}})
	}

	ctrl.NameDiscovery().Put(wire.WellKnownName(remoteHost), "d2", "tcp:addr=10.0.0.2,port=9955", wire.TransportTCP, InfiniteTTL)

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: remoteHost, Port: 4000, Opts: msgOpts})
	if res.Reply != JoinSuccess || res.SessionID != 77 {
		t.Fatalf("remote join = (%v, id=%d), want (SUCCESS, 77)", res.Reply, res.SessionID)
	}

	if len(tcp.connects) != 1 || tcp.connects[0] != "tcp:addr=10.0.0.2,port=9955" {
		t.Errorf("transport connects = %v, want the discovered bus address", tcp.connects)
	}
	if len(rpc.attaches) != 1 {
		t.Fatalf("AttachSession calls = %d, want 1", len(rpc.attaches))
	}
	if rpc.attaches[0].req.Dest != remoteHost || rpc.attaches[0].req.Joiner != joiner.Name {
		t.Errorf("AttachSession req = %+v, want dest=%s joiner=%s", rpc.attaches[0].req, remoteHost, joiner.Name)
	}

	hostEp, ok := registry.Find(remoteHost)
	if !ok || hostEp.Kind != KindVirtual {
		t.Fatal("remote host is not a virtual endpoint after join")
	}
	if via, ok := hostEp.BusToBusFor(77); !ok || via == "" {
		t.Errorf("virtual endpoint route for session 77 = (%q, %v), want the new b2b link", via, ok)
	}
	if via, ok := ctrl.Routes().Route(77, joiner.Name, remoteHost); !ok || via == "" {
		t.Errorf("joiner->host route = (%q, %v), want installed via b2b", via, ok)
	}
}

func TestJoinSessionRemoteRawReliable(t *testing.T) {
	tcp := &fakeTransport{mask: wire.TransportTCP, remoteGUID: "d2", rawFD: 555}
	ctrl, _, _, rpc := testController(t, "d1", tcp)
	registry := ctrl.Registry()
	joiner := registry.NewLocalEndpoint()
	remoteHost := wire.UniqueName(":d2.2")

	rawOpts := msgOpts
	rawOpts.Traffic = wire.TrafficRawReliable
	rpc.attachResp = AttachSessionResponse{Reply: JoinSuccess, ID: 88, Opts: rawOpts}
	rpc.onExchange = func(via wire.UniqueName, _ []NameAliasEntry) {
		ctrl.NameOwner().ApplyExchangeNames(context.Background(), via, "d2",
			[]NameAliasEntry{{UniqueName: remoteHost}})
	}
	ctrl.NameDiscovery().Put(wire.WellKnownName(remoteHost), "d2", "tcp:addr=10.0.0.2,port=9955", wire.TransportTCP, InfiniteTTL)

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: remoteHost, Port: 4000, Opts: rawOpts})
	if res.Reply != JoinSuccess || res.SessionID != 88 {
		t.Fatalf("remote raw join = (%v, id=%d, err=%v), want (SUCCESS, 88)", res.Reply, res.SessionID, res.Err)
	}

	// The conversion dialed a dedicated raw stream on the link's bus
	// address and stashed its fd for GetSessionFd.
	if len(tcp.rawDials) != 1 || tcp.rawDials[0].sessionID != 88 || tcp.rawDials[0].busAddr != "tcp:addr=10.0.0.2,port=9955" {
		t.Fatalf("raw dials = %+v, want one for session 88 on the b2b bus address", tcp.rawDials)
	}
	unlock := ctrl.acquireLocks()
	entry, ok := ctrl.findLive(joiner.Name, 88)
	unlock()
	if !ok {
		t.Fatal("joiner-side raw session entry missing")
	}
	if entry.FD != 555 {
		t.Errorf("entry.FD = %d, want the dialed raw-stream fd 555", entry.FD)
	}
	if entry.StreamingEp != "" {
		t.Errorf("StreamingEp = %q, want cleared after conversion", entry.StreamingEp)
	}
}

func TestJoinSessionRemoteRawDialFailureRollsBack(t *testing.T) {
	tcp := &fakeTransport{mask: wire.TransportTCP, remoteGUID: "d2", rawErr: errors.New("connection refused")}
	ctrl, _, _, rpc := testController(t, "d1", tcp)
	registry := ctrl.Registry()
	joiner := registry.NewLocalEndpoint()
	remoteHost := wire.UniqueName(":d2.2")

	rawOpts := msgOpts
	rawOpts.Traffic = wire.TrafficRawReliable
	rpc.attachResp = AttachSessionResponse{Reply: JoinSuccess, ID: 88, Opts: rawOpts}
	rpc.onExchange = func(via wire.UniqueName, _ []NameAliasEntry) {
		ctrl.NameOwner().ApplyExchangeNames(context.Background(), via, "d2",
			[]NameAliasEntry{{UniqueName: remoteHost}})
	}
	ctrl.NameDiscovery().Put(wire.WellKnownName(remoteHost), "d2", "tcp:addr=10.0.0.2,port=9955", wire.TransportTCP, InfiniteTTL)

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: remoteHost, Port: 4000, Opts: rawOpts})
	if res.Reply != JoinFailed {
		t.Fatalf("raw join with failed stream dial = %v, want FAILED (never SUCCESS without an fd)", res.Reply)
	}
	if got := ctrl.SessionCount(); got != 0 {
		t.Errorf("SessionCount after rollback = %d, want 0", got)
	}
	if _, ok := ctrl.Routes().Route(88, joiner.Name, remoteHost); ok {
		t.Error("joiner route survived the rolled-back raw join")
	}
}

func TestJoinSessionUnknownHostUnreachable(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	joiner := registry.NewLocalEndpoint()

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: ":ffff.9", Port: 1, Opts: msgOpts})
	if res.Reply != JoinUnreachable {
		t.Errorf("join to undiscovered host = %v, want UNREACHABLE", res.Reply)
	}
}

func TestLeaveSessionBroadcastsDetachToSiblings(t *testing.T) {
	ctrl, registry, _, rpc := testController(t, "d1")
	host := registry.NewLocalEndpoint()
	joiner := registry.NewLocalEndpoint()
	sibling := registry.NewB2BEndpoint("d2", "tcp:addr=a")

	_, port, err := ctrl.BindSessionPort(host.Name, 0, msgOpts)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: host.Name, Port: port, Opts: msgOpts})
	if res.Reply != JoinSuccess {
		t.Fatalf("join = %v, want SUCCESS", res.Reply)
	}

	if err := ctrl.LeaveSession(context.Background(), joiner.Name, res.SessionID); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}

	if len(rpc.detachCalls) != 1 {
		t.Fatalf("DetachSession broadcasts = %d, want 1", len(rpc.detachCalls))
	}
	dc := rpc.detachCalls[0]
	if dc.via != sibling.Name || dc.sessionID != res.SessionID || dc.joiner != joiner.Name {
		t.Errorf("DetachSession = %+v, want (via=%s, id=%d, joiner=%s)", dc, sibling.Name, res.SessionID, joiner.Name)
	}
}

// -------------------------------------------------------------------------
// b2b loss
// -------------------------------------------------------------------------

func TestOnB2BLostTearsDownSessionsAndNames(t *testing.T) {
	ctrl, registry, objSys, rpc := testController(t, "d1")
	joiner := registry.NewLocalEndpoint()
	remoteHost := wire.UniqueName(":d2.2")

	b2b := registry.NewB2BEndpoint("d2", "tcp:addr=10.0.0.2,port=9955")
	other := registry.NewB2BEndpoint("d3", "tcp:addr=10.0.0.3,port=9955")

	virt, err := registry.GetOrCreateVirtual(remoteHost)
	if err != nil {
		t.Fatalf("GetOrCreateVirtual: %v", err)
	}
	if err := virt.AddRoute(77, b2b.Name); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	unlock := ctrl.acquireLocks()
	ctrl.routes.AddSessionRoute(77, joiner.Name, remoteHost, b2b.Name)
	ctrl.routes.AddSessionRoute(77, remoteHost, joiner.Name, b2b.Name)
	ctrl.insertLive(joiner.Name, 77, &SessionEntry{
		SessionHost: remoteHost,
		SessionPort: 4000,
		Opts:        msgOpts,
		ID:          77,
		FD:          -1,
	})
	unlock()

	ctrl.OnB2BLost(context.Background(), b2b.Name)

	lost := objSys.byKind("session_lost")
	if len(lost) != 1 || lost[0].to != joiner.Name || lost[0].sessionID != 77 {
		t.Errorf("SessionLost = %+v, want one to joiner for session 77", lost)
	}
	if _, ok := registry.Find(remoteHost); ok {
		t.Error("virtual endpoint survived the loss of its only b2b link")
	}
	if _, ok := registry.Find(b2b.Name); ok {
		t.Error("lost b2b endpoint still registered")
	}
	if got := ctrl.SessionCount(); got != 0 {
		t.Errorf("SessionCount after b2b loss = %d, want 0", got)
	}

	var departed bool
	for _, nc := range rpc.nameChanges {
		if nc.via == other.Name && nc.alias == string(remoteHost) && nc.oldOwner == remoteHost && nc.newOwner == "" {
			departed = true
		}
	}
	if !departed {
		t.Errorf("no NameChanged(%s, %s, \"\") sent to remaining sibling; got %+v", remoteHost, remoteHost, rpc.nameChanges)
	}
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

func TestJoinSessionRefusedAfterShutdown(t *testing.T) {
	ctrl, registry, _, _ := testController(t, "d1")
	joiner := registry.NewLocalEndpoint()
	ctrl.Shutdown()

	res := join(t, ctrl, JoinRequest{Joiner: joiner.Name, SessionHost: ":d2.1", Port: 1, Opts: msgOpts})
	if res.Reply != JoinFailed || !errors.Is(res.Err, ErrShuttingDown) {
		t.Errorf("join after shutdown = (%v, %v), want (FAILED, ErrShuttingDown)", res.Reply, res.Err)
	}
}
