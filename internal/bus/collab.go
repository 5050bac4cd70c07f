package bus

import (
	"context"

	"github.com/busd-project/busd/internal/wire"
)

// ObjectSystem is the external local-object-system collaborator:
// it owns the signal-dispatch and method-handler machinery the core invokes
// to probe a host for acceptance and to deliver session lifecycle signals to
// local endpoints. busd's rpc package implements this against the
// client-facing ConnectRPC stream per local connection.
type ObjectSystem interface {
	// AcceptSessionJoiner asks the host's registered listener whether a
	// joiner may attach to one of its bound sessions.
	AcceptSessionJoiner(ctx context.Context, host wire.UniqueName, port uint16, sessionID uint32, joiner wire.UniqueName, opts wire.Opts) (bool, error)

	// SessionJoined delivers the SessionJoined signal to a local endpoint.
	SessionJoined(ctx context.Context, to wire.UniqueName, port uint16, sessionID uint32, joiner wire.UniqueName)

	// SessionLost delivers the SessionLost signal to a local endpoint.
	SessionLost(ctx context.Context, to wire.UniqueName, sessionID uint32)

	// MPSessionChanged delivers a multipoint membership delta to a local
	// endpoint.
	MPSessionChanged(ctx context.Context, to wire.UniqueName, sessionID uint32, member wire.UniqueName, added bool)

	// FoundAdvertisedName delivers a discovery match to a local discoverer.
	FoundAdvertisedName(ctx context.Context, to wire.UniqueName, name wire.WellKnownName, transport wire.Transport, busAddr string)

	// LostAdvertisedName delivers a discovery expiry to a local discoverer.
	LostAdvertisedName(ctx context.Context, to wire.UniqueName, name wire.WellKnownName, transport wire.Transport, busAddr string)
}

// LinkTransport is the per-transport-plugin collaborator: each registered transport (local IPC, TCP, Bluetooth,...) can
// connect to a bus address and yields a raw duplex byte stream that the
// core wraps as a b2b endpoint.
type LinkTransport interface {
	// Mask is this transport's bit in wire.Transport.
	Mask() wire.Transport

	// Connect dials busAddr and returns the established link's remote guid.
	// The caller registers a b2b endpoint for the connection and drives
	// NameOwnerTracker.OnB2BConnect over it.
	Connect(ctx context.Context, busAddr string) (remoteGUID string, err error)

	// EnableAdvertisement / EnableDiscovery / Cancel* drive the
	// per-transport side effects of the advertise/discover registries.
	EnableAdvertisement(ctx context.Context, name wire.WellKnownName) error
	CancelAdvertisement(ctx context.Context, name wire.WellKnownName) error
	EnableDiscovery(ctx context.Context, prefix string) error
	CancelDiscovery(ctx context.Context, prefix string) error
}

// DaemonRPC is the b2b wire-message collaborator: the inter-daemon
// AttachSession/GetSessionInfo method calls and DetachSession/ExchangeNames/
// NameChanged signals, addressed to a specific b2b link. busd's
// rpc package implements this over connectrpc.com/connect.
type DaemonRPC interface {
	AttachSession(ctx context.Context, via wire.UniqueName, req AttachSessionRequest) (AttachSessionResponse, error)
	GetSessionInfo(ctx context.Context, via wire.UniqueName, host wire.UniqueName, port uint16, opts wire.Opts) ([]string, error)
	DetachSession(ctx context.Context, via wire.UniqueName, sessionID uint32, joiner wire.UniqueName)
	ExchangeNames(ctx context.Context, via wire.UniqueName, entries []NameAliasEntry)
	NameChanged(ctx context.Context, via wire.UniqueName, alias string, oldOwner, newOwner wire.UniqueName)
}

// AttachSessionRequest / AttachSessionResponse mirror the wire shape in
// signature table.
type AttachSessionRequest struct {
	Port uint16
	Joiner wire.UniqueName
	SessionHost wire.UniqueName
	Dest wire.UniqueName
	SrcB2B wire.UniqueName
	BusAddr string
	IncomingSessionID uint32
	Opts wire.Opts
}

type AttachSessionResponse struct {
	Reply JoinReply
	ID uint32
	Opts wire.Opts
	Members []wire.UniqueName
}

// NameAliasEntry is one element of an ExchangeNames payload: a unique name
// paired with its currently owned well-known aliases.
type NameAliasEntry struct {
	UniqueName wire.UniqueName
	Aliases []wire.WellKnownName
}

// RawSocketPump copies bytes between two raw fds once a raw session has
// been fully negotiated. busd's
// transport package implements this with a pair of io.Copy goroutines.
type RawSocketPump interface {
	Pump(ctx context.Context, a, b int) error
}

// RawStreamDialer is an optional LinkTransport capability: transports that
// can open a dedicated byte-stream connection to a sibling daemon
// implement it to carry TRAFFIC_RAW_RELIABLE sessions that cross daemons.
// The returned fd is owned by the caller.
type RawStreamDialer interface {
	DialRawStream(ctx context.Context, busAddr string, sessionID uint32) (int, error)
}
