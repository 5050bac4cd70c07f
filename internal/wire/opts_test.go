package wire

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestTransportStringAndParseRoundTrip(t *testing.T) {
	cases := []struct {
		mask Transport
		want string
	}{
		{TransportAny, "any"},
		{0, "none"},
		{TransportTCP, "tcp"},
		{TransportTCP | TransportUDP, "tcp|udp"},
		{TransportLocal | TransportBluetooth, "local|bluetooth"},
	}
	for _, c := range cases {
		if got := c.mask.String(); got != c.want {
			t.Errorf("Transport(%d).String() = %q, want %q", c.mask, got, c.want)
		}
	}

	parsed, err := ParseTransport("tcp,udp")
	if err != nil {
		t.Fatalf("ParseTransport: %v", err)
	}
	if parsed != TransportTCP|TransportUDP {
		t.Errorf("ParseTransport(tcp,udp) = %v, want tcp|udp", parsed)
	}

	if _, err := ParseTransport("carrier-pigeon"); err == nil {
		t.Error("ParseTransport(carrier-pigeon): want error, got nil")
	}

	any, err := ParseTransport("")
	if err != nil || any != TransportAny {
		t.Errorf("ParseTransport(\"\") = %v, %v, want TransportAny, nil", any, err)
	}
}

func TestParseTraffic(t *testing.T) {
	if v, err := ParseTraffic(""); err != nil || v != TrafficMessages {
		t.Errorf("ParseTraffic(\"\") = %v, %v", v, err)
	}
	if v, err := ParseTraffic("RAW-RELIABLE"); err != nil || v != TrafficRawReliable {
		t.Errorf("ParseTraffic(RAW-RELIABLE) = %v, %v", v, err)
	}
	if _, err := ParseTraffic("raw_unreliable"); err == nil {
		t.Error("ParseTraffic(raw_unreliable): want error, RAW_UNRELIABLE is never parseable as an accepted request")
	}
}

func TestOptsValidate(t *testing.T) {
	if err := (Opts{Traffic: TrafficRawUnreliable}).Validate(); err != ErrRawUnreliable {
		t.Errorf("Validate() = %v, want ErrRawUnreliable", err)
	}
	if err := (Opts{Traffic: TrafficRawReliable, IsMultipoint: true}).Validate(); err != ErrRawReliableMultipoint {
		t.Errorf("Validate() = %v, want ErrRawReliableMultipoint", err)
	}
	if err := (Opts{Traffic: TrafficRawReliable}).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil for point-to-point raw reliable", err)
	}
}

func TestOptsIsCompatible(t *testing.T) {
	a := Opts{Traffic: TrafficMessages, Proximity: ProximityAny, Transports: TransportTCP}
	b := Opts{Traffic: TrafficMessages, Proximity: ProximityPhysical, Transports: TransportTCP | TransportUDP}
	if !a.IsCompatible(b) {
		t.Error("expected a and b to be compatible (overlapping transport/traffic/proximity)")
	}

	c := Opts{Traffic: TrafficMessages, Proximity: ProximityPhysical, Transports: TransportUDP}
	if a.IsCompatible(c) {
		t.Error("expected a and c to be incompatible (disjoint transports)")
	}

	// IsMultipoint must not affect compatibility.
	d := Opts{Traffic: TrafficMessages, Proximity: ProximityAny, Transports: TransportTCP, IsMultipoint: true}
	if !a.IsCompatible(d) {
		t.Error("IsMultipoint must be excluded from compatibility comparison")
	}
}

func TestOptsVariantRoundTrip(t *testing.T) {
	want := Opts{
		Traffic:      TrafficRawReliable,
		Proximity:    ProximityNetwork,
		Transports:   TransportTCP | TransportBluetooth,
		IsMultipoint: false,
	}
	got, err := OptsFromVariant(want.ToVariant())
	if err != nil {
		t.Fatalf("OptsFromVariant: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestOptsFromVariantUnknownKeysIgnored(t *testing.T) {
	dict := Opts{}.ToVariant()
	dict["bogus"] = dict[keyTraffic]
	if _, err := OptsFromVariant(dict); err != nil {
		t.Errorf("unknown keys should be ignored, got error: %v", err)
	}
}

func TestOptsFromVariantBadType(t *testing.T) {
	dict := map[string]dbus.Variant{keyTraffic: dbus.MakeVariant("not-a-byte")}
	if _, err := OptsFromVariant(dict); err == nil {
		t.Error("expected ErrBadVariantType for wrong-typed traf entry")
	}
}
