package bus

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/busd-project/busd/internal/wire"
)

// SessionEntry is the session-map value. A daemon holds one
// entry per local participant: the host's entry lists every joiner it
// knows about, a joiner's entry lists the other members it was told about.
type SessionEntry struct {
	// SessionHost is the unique name of the session's creator. Empty once
	// the host has departed.
	SessionHost wire.UniqueName
	// SessionPort is the 16-bit port that was bound.
	SessionPort uint16
	// Opts is the negotiated option set.
	Opts wire.Opts
	// ID is the 32-bit session id; 0 means this is a bind reservation.
	ID uint32
	// Members is the ordered list of joiner unique names (host excluded).
	Members []wire.UniqueName
	// FD is the raw-socket file descriptor owned by this entry after a
	// raw-session handoff, or -1.
	FD int
	// StreamingEp is the b2b endpoint being converted to raw, transient.
	StreamingEp wire.UniqueName
	// IsInitializing is true while an AttachSession is mid-flight for this
	// entry; it prevents cleanup sweeps from deleting it.
	IsInitializing bool
}

// bindKey indexes bind reservations, keyed
// by (host, port) since a single host may hold several reservations
// simultaneously -- sessionId alone (always 0) cannot disambiguate them.
type bindKey struct {
	host wire.UniqueName
	port uint16
}

// liveKey indexes live session entries (id != 0) by (participant, id).
// Session ids are effectively unique's random generator, so
// this pair is unique regardless of port.
type liveKey struct {
	endpoint wire.UniqueName
	id uint32
}

// newBindReservation builds a fresh bind-reservation entry:
// id == 0, endpointName == sessionHost, empty members, no fd.
func newBindReservation(host wire.UniqueName, port uint16, opts wire.Opts) *SessionEntry {
	return &SessionEntry{
 SessionHost: host,
 SessionPort: port,
 Opts: opts,
 ID: 0,
 FD: -1,
	}
}

// HasMember reports whether name is already listed as a member.
func (e *SessionEntry) HasMember(name wire.UniqueName) bool {
	for _, m := range e.Members {
 if m == name {
 return true
 }
	}
	return false
}

// AddMember appends name to the member list if not already present.
func (e *SessionEntry) AddMember(name wire.UniqueName) {
	if !e.HasMember(name) {
 e.Members = append(e.Members, name)
	}
}

// RemoveMember deletes name from the member list, if present.
func (e *SessionEntry) RemoveMember(name wire.UniqueName) {
	for i, m := range e.Members {
 if m == name {
 e.Members = append(e.Members[:i], e.Members[i+1:]...)
 return
 }
	}
}

// Lost reports whether this entry meets the session-lost condition:
// fd == -1 and members is empty, or (single member and empty
// sessionHost).
func (e *SessionEntry) Lost() bool {
	if e.FD != -1 {
 return false
	}
	if len(e.Members) == 0 {
 return true
	}
	if len(e.Members) == 1 && e.SessionHost == "" {
 return true
	}
	return false
}

// generateSessionID draws a uniform random non-zero 32-bit integer,
// redrawing on collision against existing. used is consulted under the caller's state lock.
func generateSessionID(used func(uint32) bool) uint32 {
	for {
 var buf [4]byte
 if _, err := rand.Read(buf[:]); err != nil {
 // crypto/rand failure is effectively unrecoverable; fall back to
 // a non-cryptographic draw rather than deadlocking the caller.
 id := pseudoRandomUint32()
 if id != 0 && !used(id) {
 return id
 }
 continue
 }
 id := binary.BigEndian.Uint32(buf[:])
 if id != 0 && !used(id) {
 return id
 }
	}
}

// pseudoRandomUint32 is the crypto/rand failure fallback; it still must
// never return 0.
func pseudoRandomUint32() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	v := binary.LittleEndian.Uint32(buf[:])
	if v == 0 {
 v = 1
	}
	return v
}

// firstUnusedPort scans existing bind-reservation ports for the host
// starting at 10000 and wrapping used(port) reports
// whether port is already reserved for this host.
func firstUnusedPort(used func(uint16) bool) (uint16, bool) {
	const start = 10000
	for i := 0; i < 1<<16; i++ {
 p := uint16((start + i) % (1 << 16))
 if p == 0 {
 continue
 }
 if !used(p) {
 return p, true
 }
	}
	return 0, false
}
