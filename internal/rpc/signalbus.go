package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/busd-project/busd/internal/wire"
)

// signalQueueDepth bounds the per-endpoint signal channel. A slow or absent
// WatchSignals client simply misses signals past this depth; signals are
// not acknowledged or redelivered, mirroring DBus signal semantics.
const signalQueueDepth = 64

// acceptRequestTimeout bounds how long AcceptSessionJoiner waits for the
// host's client to answer an accept_request signal over RespondAccept
// before treating the joiner as rejected.
const acceptRequestTimeout = 10 * time.Second

// ErrEndpointNotSubscribed indicates no WatchSignals stream is open for the
// target endpoint, so a signal (or accept probe) cannot be delivered.
var ErrEndpointNotSubscribed = errors.New("endpoint has no open signal stream")

// signalBus fans signals out to per-endpoint WatchSignals subscribers and
// tracks accept-request round trips.
type signalBus struct {
	mu sync.Mutex
	subs map[wire.UniqueName]chan Signal

	pendingMu sync.Mutex
	pending map[string]chan bool
}

func newSignalBus() *signalBus {
	return &signalBus{
 subs: make(map[wire.UniqueName]chan Signal),
 pending: make(map[string]chan bool),
	}
}

// subscribe registers endpoint's signal channel, replacing any prior one
// (a client reconnecting supersedes its previous stream).
func (b *signalBus) subscribe(endpoint wire.UniqueName) chan Signal {
	ch := make(chan Signal, signalQueueDepth)
	b.mu.Lock()
	b.subs[endpoint] = ch
	b.mu.Unlock()
	return ch
}

// unsubscribe removes endpoint's channel if it still matches ch (a later
// subscribe from a reconnect must not be torn down by a stale defer).
func (b *signalBus) unsubscribe(endpoint wire.UniqueName, ch chan Signal) {
	b.mu.Lock()
	if cur, ok := b.subs[endpoint]; ok && cur == ch {
 delete(b.subs, endpoint)
	}
	b.mu.Unlock()
}

// publish delivers sig to endpoint's subscriber, if any, dropping it
// silently otherwise (no listener, no signal -- DBus semantics).
func (b *signalBus) publish(endpoint wire.UniqueName, sig Signal) {
	b.mu.Lock()
	ch, ok := b.subs[endpoint]
	b.mu.Unlock()
	if !ok {
 return
	}
	select {
	case ch <- sig:
	default:
	}
}

// requestAccept publishes an accept_request signal to host and blocks until
// RespondAccept answers it, ctx is cancelled, or acceptRequestTimeout
// elapses.
func (b *signalBus) requestAccept(ctx context.Context, host wire.UniqueName, sig Signal) (bool, error) {
	reqID, err := newRequestID()
	if err != nil {
 return false, err
	}
	sig.RequestID = reqID

	answer := make(chan bool, 1)
	b.pendingMu.Lock()
	b.pending[reqID] = answer
	b.pendingMu.Unlock()
	defer func() {
 b.pendingMu.Lock()
 delete(b.pending, reqID)
 b.pendingMu.Unlock()
	}()

	b.mu.Lock()
	_, subscribed := b.subs[host]
	b.mu.Unlock()
	if !subscribed {
 return false, ErrEndpointNotSubscribed
	}
	b.publish(host, sig)

	timer := time.NewTimer(acceptRequestTimeout)
	defer timer.Stop()

	select {
	case accept := <-answer:
 return accept, nil
	case <-ctx.Done():
 return false, ctx.Err()
	case <-timer.C:
 return false, nil
	}
}

// resolveAccept answers a pending requestAccept call, if one is still
// outstanding for reqID.
func (b *signalBus) resolveAccept(reqID string, accept bool) {
	b.pendingMu.Lock()
	ch, ok := b.pending[reqID]
	b.pendingMu.Unlock()
	if !ok {
 return
	}
	select {
	case ch <- accept:
	default:
	}
}

func newRequestID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
 return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
