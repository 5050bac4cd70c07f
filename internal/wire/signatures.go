package wire

import "github.com/godbus/dbus/v5"

// The *Sig variables below document the bit-exact DBus type signature of every
// inter-daemon wire message. They are not used to
// marshal bytes on the wire (transport framing is connectrpc.com/connect,
// see internal/rpc) -- they exist so logging, introspection, and tests can
// assert that the Go message types carry the same shape the original
// interop wire format requires, the way a DBus introspection XML blob
// would.
// nameAlias pairs a unique name with its well-known aliases, the element
// type of ExchangeNames' "a(sas)" payload.
type nameAlias struct {
	Name string
	Aliases []string
}

var (
	// AttachSessionInSig is "qsssss" plus the opts dict: port, joiner,
	// sessionHost, dest, srcB2B, busAddr, opts.
	AttachSessionInSig = dbus.SignatureOf(uint16(0), "", "", "", "", "", map[string]dbus.Variant{})
	// AttachSessionOutSig is "uu" plus opts plus "as": replyCode, id,
	// opts, members.
	AttachSessionOutSig = dbus.SignatureOf(uint32(0), uint32(0), map[string]dbus.Variant{}, []string{})
	// GetSessionInfoInSig is "sq" plus opts: host, port, opts.
	GetSessionInfoInSig = dbus.SignatureOf("", uint16(0), map[string]dbus.Variant{})
	// GetSessionInfoOutSig is "as": candidate bus addresses.
	GetSessionInfoOutSig = dbus.SignatureOf([]string{})
	// DetachSessionSig is "us": sessionId, joiner.
	DetachSessionSig = dbus.SignatureOf(uint32(0), "")
	// ExchangeNamesSig is "a(sas)": list of (uniqueName, [aliases]).
	ExchangeNamesSig = dbus.SignatureOf([]nameAlias{})
	// NameChangedSig is "sss": alias, oldOwner, newOwner.
	NameChangedSig = dbus.SignatureOf("", "", "")
)

// Raw-stream upgrade handshake constants, shared between the transport
// dialer and the link-service listener so neither package needs to import
// the other. A raw session crossing daemons is carried on a dedicated
// byte-stream connection to the peer's link listener, established with a
// plain HTTP/1.1 Upgrade (the h2c wrapper passes HTTP/1.1 requests
// through, and HTTP/1.1 responses can be hijacked into a raw conn, which
// HTTP/2 streams cannot).
const (
	// RawStreamPath is the link-listener path the upgrade request targets.
	RawStreamPath = "/busd.link.v1.LinkService/RawStream"
	// RawStreamSessionHeader carries the decimal session id the stream
	// belongs to.
	RawStreamSessionHeader = "X-Busd-Raw-Session"
	// RawStreamProtocol is the Upgrade token both sides assert.
	RawStreamProtocol = "busd-raw"
)

// MessageKind distinguishes a method call from a fire-and-forget signal in
// the inter-daemon protocol.
type MessageKind uint8

const (
	KindMethod MessageKind = iota
	KindSignal
)

// Message enumerates the inter-daemon wire messages by name, paired with
// their kind, for use in logging and metrics labels.
type Message string

const (
	MessageAttachSession Message = "AttachSession"
	MessageGetSessionInfo Message = "GetSessionInfo"
	MessageDetachSession Message = "DetachSession"
	MessageExchangeNames Message = "ExchangeNames"
	MessageNameChanged Message = "NameChanged"
	MessageProbeReq Message = "ProbeReq"
	MessageProbeAck Message = "ProbeAck"
)

// Kinds maps each inter-daemon message to method-vs-signal.
var Kinds = map[Message]MessageKind{
	MessageAttachSession: KindMethod,
	MessageGetSessionInfo: KindMethod,
	MessageDetachSession: KindSignal,
	MessageExchangeNames: KindSignal,
	MessageNameChanged: KindSignal,
	MessageProbeReq: KindSignal,
	MessageProbeAck: KindSignal,
}
