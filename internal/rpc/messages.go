package rpc

import (
	"github.com/busd-project/busd/internal/bus"
	"github.com/busd-project/busd/internal/wire"
)

// -------------------------------------------------------------------------
// BusService messages (client-facing)
// -------------------------------------------------------------------------

// BindSessionPortRequest is the BindSessionPort RPC payload.
type BindSessionPortRequest struct {
	Host wire.UniqueName
	RequestedPort uint16
	Opts wire.Opts
}

// BindSessionPortResponse carries the negotiated port and reply code.
type BindSessionPortResponse struct {
	Reply string
	Port uint16
}

// UnbindSessionPortRequest is the UnbindSessionPort RPC payload.
type UnbindSessionPortRequest struct {
	Host wire.UniqueName
	Port uint16
}

// UnbindSessionPortResponse is empty on success; errors surface as a
// connect.Error.
type UnbindSessionPortResponse struct{}

// JoinSessionRequest is the JoinSession RPC payload. The call blocks for the
// full Join protocol.
type JoinSessionRequest struct {
	Joiner wire.UniqueName
	SessionHost wire.UniqueName
	Port uint16
	Opts wire.Opts
}

// JoinSessionResponse mirrors bus.JoinResult over the wire.
type JoinSessionResponse struct {
	Reply string
	SessionID uint32
	Opts wire.Opts
}

// LeaveSessionRequest is the LeaveSession RPC payload.
type LeaveSessionRequest struct {
	Endpoint wire.UniqueName
	SessionID uint32
}

// LeaveSessionResponse is empty on success.
type LeaveSessionResponse struct{}

// GetSessionFdRequest is the GetSessionFd RPC payload.
type GetSessionFdRequest struct {
	Endpoint wire.UniqueName
	SessionID uint32
}

// GetSessionFdResponse carries the duplicated fd's numeric value.
//
// Controller.GetSessionFd opens the duplicate in the daemon's own process
// and closes the session entry's copy; only the number travels in the
// JSON RPC body. A plain integer carries no descriptor rights across the
// connection and no SCM_RIGHTS handoff is performed, so FD names a
// descriptor only inside the daemon process.
type GetSessionFdResponse struct {
	FD int
}

// SetLinkTimeoutRequest is the SetLinkTimeout RPC payload.
type SetLinkTimeoutRequest struct {
	Endpoint wire.UniqueName
	SessionID uint32
	RequestedMillis uint32
}

// SetLinkTimeoutResponse carries the reply code and applied timeout.
type SetLinkTimeoutResponse struct {
	Reply string
	AppliedMillis uint32
}

// AdvertiseNameRequest is the AdvertiseName RPC payload.
type AdvertiseNameRequest struct {
	Owner wire.UniqueName
	Name wire.WellKnownName
	Mask wire.Transport
}

// AdvertiseNameResponse is empty on success.
type AdvertiseNameResponse struct{}

// CancelAdvertiseNameRequest is the CancelAdvertiseName RPC payload.
type CancelAdvertiseNameRequest struct {
	Owner wire.UniqueName
	Name wire.WellKnownName
	Mask wire.Transport
}

// CancelAdvertiseNameResponse is empty on success.
type CancelAdvertiseNameResponse struct{}

// FindAdvertisedNameRequest is the FindAdvertisedName RPC payload.
type FindAdvertisedNameRequest struct {
	Owner wire.UniqueName
	Prefix string
}

// FindAdvertisedNameResponse is empty on success.
type FindAdvertisedNameResponse struct{}

// CancelFindAdvertisedNameRequest is the CancelFindAdvertisedName RPC
// payload.
type CancelFindAdvertisedNameRequest struct {
	Owner wire.UniqueName
	Prefix string
}

// CancelFindAdvertisedNameResponse is empty on success.
type CancelFindAdvertisedNameResponse struct{}

// Signal is the tagged-union event WatchSignals streams to a subscribed
// client: exactly one of the payload fields is populated, selected by Kind.
type Signal struct {
	Kind string

	// SessionJoined / SessionLost / MPSessionChanged fields.
	Port uint16
	SessionID uint32
	Joiner wire.UniqueName
	Member wire.UniqueName
	Added bool

	// FoundAdvertisedName / LostAdvertisedName fields.
	Name wire.WellKnownName
	Transport wire.Transport
	BusAddr string

	// AcceptRequest fields: the host's client must answer with
	// RespondAcceptRequest before acceptRequestTimeout elapses.
	RequestID string
	Host wire.UniqueName
}

// Signal.Kind values.
const (
	SignalSessionJoined = "session_joined"
	SignalSessionLost = "session_lost"
	SignalMPSessionChanged = "mp_session_changed"
	SignalFoundAdvertisedName = "found_advertised_name"
	SignalLostAdvertisedName = "lost_advertised_name"
	SignalAcceptRequest = "accept_request"
)

// WatchSignalsRequest subscribes the calling endpoint to its signal stream.
type WatchSignalsRequest struct {
	Endpoint wire.UniqueName
}

// RespondAcceptRequest answers a pending SignalAcceptRequest.
type RespondAcceptRequest struct {
	RequestID string
	Accept bool
}

// RespondAcceptResponse is empty on success.
type RespondAcceptResponse struct{}

// -------------------------------------------------------------------------
// LinkService messages (b2b-facing)
// -------------------------------------------------------------------------
//
// AttachSession reuses bus.AttachSessionRequest/Response directly: both are
// plain structs built from wire types, so they round-trip through jsonCodec
// without a separate wire-message type.

// GetSessionInfoRequest is the GetSessionInfo RPC payload.
type GetSessionInfoRequest struct {
	Host wire.UniqueName
	Port uint16
	Opts wire.Opts
}

// GetSessionInfoResponse carries candidate bus addresses for Host.
type GetSessionInfoResponse struct {
	BusAddrs []string
}

// DetachSessionRequest is the inbound DetachSession signal payload.
type DetachSessionRequest struct {
	SenderGUID string
	SessionID uint32
	Joiner wire.UniqueName
}

// ExchangeNamesRequest is the inbound ExchangeNames signal payload.
type ExchangeNamesRequest struct {
	SenderGUID string
	Entries []bus.NameAliasEntry
}

// NameChangedRequest is the inbound NameChanged signal payload.
type NameChangedRequest struct {
	SenderGUID string
	Alias string
	OldOwner wire.UniqueName
	NewOwner wire.UniqueName
}

// IdentifyRequest is sent immediately after a transport plugin dials a
// sibling daemon's LinkService, before any session traffic flows. It lets
// the dialer learn the peer's daemon guid without first knowing a b2b
// UniqueName for it (there isn't one yet -- that's assigned by the local
// registry only once Connect returns).
type IdentifyRequest struct{}

// IdentifyResponse carries the answering daemon's own guid.
type IdentifyResponse struct {
	GUID string
}
