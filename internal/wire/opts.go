package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Traffic is the session traffic-type bitmask.
type Traffic byte

const (
	// TrafficMessages routes ordinary bus messages through the daemon.
	TrafficMessages Traffic = 0x01
	// TrafficRawReliable hands off a byte-stream socket after setup.
	TrafficRawReliable Traffic = 0x02
	// TrafficRawUnreliable is never accepted by BindSessionPort.
	TrafficRawUnreliable Traffic = 0x04
)

// Proximity is the session proximity bitmask (dict key "prox").
type Proximity byte

const (
	ProximityPhysical Proximity = 0x01
	ProximityNetwork Proximity = 0x02
	ProximityAny = ProximityPhysical | ProximityNetwork
)

// Transport is the transport bitmask (dict key "trans", 16 bits on the wire).
type Transport uint16

const (
	TransportLocal Transport = 0x0001
	TransportTCP Transport = 0x0004
	TransportUDP Transport = 0x0008
	TransportBluetooth Transport = 0x0010
	TransportAny Transport = 0xFFFF
)

// singleBitTransports lists every individually-named transport bit, in a
// fixed order used by String and ParseTransport.
var singleBitTransports = []struct {
	bit Transport
	name string
}{
	{TransportLocal, "local"},
	{TransportTCP, "tcp"},
	{TransportUDP, "udp"},
	{TransportBluetooth, "bluetooth"},
}

// String renders a transport bitmask as a "|"-joined list of its set bits,
// e.g. "tcp|udp", for logging and metric labels. TransportAny renders as
// "any"; a zero mask renders as "none".
func (t Transport) String() string {
	if t == TransportAny {
 return "any"
	}
	var names []string
	for _, sb := range singleBitTransports {
 if t&sb.bit != 0 {
 names = append(names, sb.name)
 }
	}
	if len(names) == 0 {
 return "none"
	}
	return strings.Join(names, "|")
}

// ErrUnknownTransport indicates ParseTransport saw a token matching none of
// the named transport bits.
var ErrUnknownTransport = errors.New("unknown transport name")

// ParseTransport parses a comma-separated transport list (e.g. "tcp,udp" or
// "any") into a Transport bitmask, the textual form used in configuration
// files and CLI flags.
func ParseTransport(s string) (Transport, error) {
	if s == "" || strings.EqualFold(s, "any") {
 return TransportAny, nil
	}

	var mask Transport
	for _, tok := range strings.Split(s, ",") {
 tok = strings.ToLower(strings.TrimSpace(tok))
 matched := false
 for _, sb := range singleBitTransports {
 if sb.name == tok {
 mask |= sb.bit
 matched = true
 break
 }
 }
 if !matched {
 return 0, fmt.Errorf("%w: %q", ErrUnknownTransport, tok)
 }
	}
	return mask, nil
}

// ErrUnknownTraffic indicates ParseTraffic saw an unrecognized token.
var ErrUnknownTraffic = errors.New("unknown traffic type")

// ParseTraffic parses a traffic-type string into a Traffic value.
func ParseTraffic(s string) (Traffic, error) {
	switch strings.ToLower(s) {
	case "", "messages":
 return TrafficMessages, nil
	case "raw_reliable", "raw-reliable":
 return TrafficRawReliable, nil
	default:
 return 0, fmt.Errorf("%w: %q", ErrUnknownTraffic, s)
	}
}

// ErrUnknownProximity indicates ParseProximity saw an unrecognized token.
var ErrUnknownProximity = errors.New("unknown proximity")

// ParseProximity parses a proximity string into a Proximity value.
func ParseProximity(s string) (Proximity, error) {
	switch strings.ToLower(s) {
	case "", "any":
 return ProximityAny, nil
	case "physical":
 return ProximityPhysical, nil
	case "network":
 return ProximityNetwork, nil
	default:
 return 0, fmt.Errorf("%w: %q", ErrUnknownProximity, s)
	}
}

// Sentinel validation errors surfaced by BindSessionPort.
var (
	// ErrRawUnreliable indicates RAW_UNRELIABLE traffic was requested; the
	// core never accepts it.
	ErrRawUnreliable = errors.New("traffic type RAW_UNRELIABLE is not supported")
	// ErrRawReliableMultipoint indicates RAW_RELIABLE was combined with
	// multipoint, which is meaningless for a point-to-point raw socket.
	ErrRawReliableMultipoint = errors.New("RAW_RELIABLE is incompatible with multipoint sessions")
)

// Opts is the negotiated session option set exchanged as the DBus dict
// a{sv} with keys "traf" (byte), "multi" (bool), "prox" (byte), and
// "trans" (uint16).
type Opts struct {
	Traffic Traffic
	Proximity Proximity
	Transports Transport
	IsMultipoint bool
}

// Validate rejects option combinations BindSessionPort must refuse.
func (o Opts) Validate() error {
	if o.Traffic&TrafficRawUnreliable != 0 {
 return ErrRawUnreliable
	}
	if o.Traffic&TrafficRawReliable != 0 && o.IsMultipoint {
 return ErrRawReliableMultipoint
	}
	return nil
}

// IsCompatible reports whether two option sets can share a session:
// overlapping transports, overlapping traffic, and overlapping proximity.
// IsMultipoint is deliberately excluded from the comparison.
func (o Opts) IsCompatible(other Opts) bool {
	return o.Transports&other.Transports != 0 &&
 o.Traffic&other.Traffic != 0 &&
 o.Proximity&other.Proximity != 0
}

// dict keys for the a{sv} encoding.
const (
	keyTraffic = "traf"
	keyMultipoint = "multi"
	keyProximity = "prox"
	keyTransport = "trans"
)

// OptsSignature is the DBus type signature of the session opts dictionary.
var OptsSignature = dbus.SignatureOf(map[string]dbus.Variant{})

// ToVariant encodes Opts as the a{sv} dict the wire format specifies.
func (o Opts) ToVariant() map[string]dbus.Variant {
	return map[string]dbus.Variant{
 keyTraffic: dbus.MakeVariant(byte(o.Traffic)),
 keyMultipoint: dbus.MakeVariant(o.IsMultipoint),
 keyProximity: dbus.MakeVariant(byte(o.Proximity)),
 keyTransport: dbus.MakeVariant(uint16(o.Transports)),
	}
}

// OptsFromVariant decodes the a{sv} dict back into Opts. Unknown keys are
// ignored (forward compatibility, as the original DBus-based protocol
// tolerates); missing keys keep their zero value.
func OptsFromVariant(dict map[string]dbus.Variant) (Opts, error) {
	var o Opts

	if v, ok := dict[keyTraffic]; ok {
 b, ok := v.Value().(byte)
 if !ok {
 return Opts{}, fmt.Errorf("decode opts: %q: %w", keyTraffic, ErrBadVariantType)
 }
 o.Traffic = Traffic(b)
	}
	if v, ok := dict[keyMultipoint]; ok {
 b, ok := v.Value().(bool)
 if !ok {
 return Opts{}, fmt.Errorf("decode opts: %q: %w", keyMultipoint, ErrBadVariantType)
 }
 o.IsMultipoint = b
	}
	if v, ok := dict[keyProximity]; ok {
 b, ok := v.Value().(byte)
 if !ok {
 return Opts{}, fmt.Errorf("decode opts: %q: %w", keyProximity, ErrBadVariantType)
 }
 o.Proximity = Proximity(b)
	}
	if v, ok := dict[keyTransport]; ok {
 u, ok := v.Value().(uint16)
 if !ok {
 return Opts{}, fmt.Errorf("decode opts: %q: %w", keyTransport, ErrBadVariantType)
 }
 o.Transports = Transport(u)
	}

	return o, nil
}

// ErrBadVariantType indicates an a{sv} entry held a value of the wrong
// DBus type for its key.
var ErrBadVariantType = errors.New("variant holds unexpected type")
