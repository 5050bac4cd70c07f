package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/busd-project/busd/internal/bus"
	"github.com/busd-project/busd/internal/wire"
)

// Identifier dials a bus address and returns the answering daemon's guid,
// without requiring a pre-existing b2b UniqueName for it. rpc.LinkCaller
// implements this by calling the LinkService's Identify RPC; TCPTransport
// is given one at construction time rather than importing the rpc package
// directly, keeping the plugin decoupled from the wire protocol it rides.
type Identifier interface {
	Identify(ctx context.Context, addr string) (string, error)
}

// addrPrefix is the scheme TCPTransport bus addresses use, mirroring the
// glossary's "transport-specific connect string" shape (e.g.
// "tcp:addr=10.0.0.2:9955").
const addrPrefix = "tcp:addr="

// TCPTransport dials sibling daemons over their b2b ConnectRPC listener.
// It is the one transport plugin busd ships in-tree; additional
// transports (local IPC, Bluetooth) implement the same bus.LinkTransport
// interface out of process or in a future package.
type TCPTransport struct {
	identifier Identifier
	logger *slog.Logger

	mu sync.Mutex
	advertising map[wire.WellKnownName]struct{}
	discovering map[string]struct{}
}

// NewTCPTransport constructs a TCPTransport that uses identifier to learn
// a peer's guid once dialed.
func NewTCPTransport(identifier Identifier, logger *slog.Logger) *TCPTransport {
	return &TCPTransport{
 identifier: identifier,
 logger: logger.With(slog.String("component", "transport.tcp")),
 advertising: make(map[wire.WellKnownName]struct{}),
 discovering: make(map[string]struct{}),
	}
}

// verify bus.LinkTransport compliance at compile time.
var _ bus.LinkTransport = (*TCPTransport)(nil)

// Mask reports this transport's bit in wire.Transport.
func (t *TCPTransport) Mask() wire.Transport { return wire.TransportTCP }

// BusAddr formats a TCP bus address for listenAddr, the form GetSessionInfo
// replies carry and Connect parses back.
func BusAddr(listenAddr string) string {
	return addrPrefix + listenAddr
}

// parseBusAddr extracts the host:port portion of a "tcp:addr=host:port"
// bus address.
func parseBusAddr(busAddr string) (string, error) {
	if !strings.HasPrefix(busAddr, addrPrefix) {
 return "", fmt.Errorf("tcp transport: %w: %q", ErrNotTCPAddr, busAddr)
	}
	return strings.TrimPrefix(busAddr, addrPrefix), nil
}

// ErrNotTCPAddr indicates a bus address does not carry the "tcp:addr="
// prefix this transport understands.
var ErrNotTCPAddr = errors.New("bus address is not a tcp address")

// Connect dials busAddr's LinkService over plaintext HTTP and identifies
// the peer daemon's guid.
func (t *TCPTransport) Connect(ctx context.Context, busAddr string) (string, error) {
	hostPort, err := parseBusAddr(busAddr)
	if err != nil {
 return "", err
	}
	guid, err := t.identifier.Identify(ctx, "http://"+hostPort)
	if err != nil {
 return "", fmt.Errorf("tcp connect %s: %w", busAddr, err)
	}
	t.logger.Info("connected to sibling daemon", slog.String("addr", busAddr), slog.String("guid", guid))
	return guid, nil
}

// EnableAdvertisement records that name is being advertised on this
// transport. A real broadcast/rendezvous mechanism (mDNS, a directory
// service) is an external concern left to deployment: operators list
// sibling addresses in config and the daemons reach each other directly,
// so there is nothing further for this plugin to do beyond bookkeeping
// that CancelAdvertisement can undo.
func (t *TCPTransport) EnableAdvertisement(_ context.Context, name wire.WellKnownName) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertising[name] = struct{}{}
	return nil
}

// CancelAdvertisement is the inverse of EnableAdvertisement.
func (t *TCPTransport) CancelAdvertisement(_ context.Context, name wire.WellKnownName) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.advertising, name)
	return nil
}

// EnableDiscovery records interest in prefix. See EnableAdvertisement:
// static peer addresses substitute for live broadcast discovery in this
// transport.
func (t *TCPTransport) EnableDiscovery(_ context.Context, prefix string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovering[prefix] = struct{}{}
	return nil
}

// CancelDiscovery is the inverse of EnableDiscovery.
func (t *TCPTransport) CancelDiscovery(_ context.Context, prefix string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.discovering, prefix)
	return nil
}

// DefaultHTTPClient returns http.DefaultClient, used when the caller has no
// TLS or connection-pooling requirements of its own. It speaks HTTP/1.1 to
// plaintext http:// addresses (it does not negotiate h2c), which the link
// listener's h2c handler also serves.
func DefaultHTTPClient() *http.Client { return http.DefaultClient }
