// Package wire pins down the bit-exact shape of the bus protocol: session
// option encoding, unique/well-known name grammar, and the DBus-style type
// signatures that every inter-daemon message and client-facing method is
// documented against (see the signature table in the package-level
// constants of this package).
//
// The daemon does not itself speak raw DBus over a socket -- transport
// framing is handled by connectrpc.com/connect -- but the wire shapes it
// exchanges are the same ones a DBus-compatible peer would expect, so this
// package builds them with github.com/godbus/dbus/v5's own vocabulary
// (Signature, Variant, ObjectPath-style name grammar) rather than inventing
// a parallel one.
package wire
