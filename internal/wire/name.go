package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// UniqueName identifies an endpoint on the bus: ":<daemonGuid>.<n>".
// It follows the same grammar as a DBus unique connection
// name (a colon-prefixed dotted name); Parse checks it by hand: a leading
// colon, a non-empty guid, a dot, and a decimal sequence number.
type UniqueName string

// ErrMalformedUniqueName indicates a string did not match ":<guid>.<n>".
var ErrMalformedUniqueName = errors.New("malformed unique bus name")

// Parse splits a UniqueName into its daemon guid and per-daemon sequence
// number, validating the ":<guid>.<n>" grammar.
func (n UniqueName) Parse() (guid string, seq uint64, err error) {
	s := string(n)
	if !strings.HasPrefix(s, ":") {
 return "", 0, fmt.Errorf("%q: %w", s, ErrMalformedUniqueName)
	}
	s = s[1:]

	dot := strings.LastIndexByte(s, '.')
	if dot < 0 || dot == 0 || dot == len(s)-1 {
 return "", 0, fmt.Errorf("%q: %w", n, ErrMalformedUniqueName)
	}

	guid = s[:dot]
	seq, err = strconv.ParseUint(s[dot+1:], 10, 64)
	if err != nil {
 return "", 0, fmt.Errorf("%q: %w: %w", n, ErrMalformedUniqueName, err)
	}

	return guid, seq, nil
}

// GuidOf returns the daemon guid embedded in the name, or "" if malformed.
func (n UniqueName) GuidOf() string {
	guid, _, err := n.Parse()
	if err != nil {
 return ""
	}
	return guid
}

// NewUniqueName formats a unique name for sequence number n on the daemon
// identified by guid.
func NewUniqueName(guid string, n uint64) UniqueName {
	return UniqueName(":" + guid + "." + strconv.FormatUint(n, 10))
}

// WellKnownName is an advertised/discoverable dotted bus name, e.g.
// "com.example.service". Validated with the same dotted-name grammar DBus
// uses for well-known names.
type WellKnownName string

// ErrMalformedWellKnownName indicates a name failed the dotted-name grammar
// (at least two elements, each starting with a letter or underscore).
var ErrMalformedWellKnownName = errors.New("malformed well-known bus name")

// Validate checks the dotted-name grammar for well-known names.
func (n WellKnownName) Validate() error {
	elems := strings.Split(string(n), ".")
	if len(elems) < 2 {
 return fmt.Errorf("%q: %w", n, ErrMalformedWellKnownName)
	}
	for _, e := range elems {
 if e == "" {
 return fmt.Errorf("%q: %w", n, ErrMalformedWellKnownName)
 }
 c := e[0]
 if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
 return fmt.Errorf("%q: %w", n, ErrMalformedWellKnownName)
 }
	}
	return nil
}

// HasPrefix reports whether n begins with the discovery prefix p. It is a
// plain string-prefix test: dotted-name element boundaries are not
// checked, so "com.ex" matches "com.example".
func (n WellKnownName) HasPrefix(p string) bool {
	return strings.HasPrefix(string(n), p)
}

// BusAddrSignature documents the wire type of a bus address list returned
// by GetSessionInfo.
var BusAddrSignature = dbus.SignatureOf([]string{})

// ObjectPathFor returns a syntactically-valid dbus.ObjectPath derived from a
// unique name, used only when logging/tracing endpoints through code paths
// that want DBus-shaped identifiers (e.g. CLI introspection output).
func ObjectPathFor(n UniqueName) dbus.ObjectPath {
	guid, seq, err := n.Parse()
	if err != nil {
 return dbus.ObjectPath("/bus/invalid")
	}
	return dbus.ObjectPath("/bus/" + guid + "/" + strconv.FormatUint(seq, 10))
}
