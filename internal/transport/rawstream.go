package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/busd-project/busd/internal/bus"
	"github.com/busd-project/busd/internal/wire"
)

// verify bus.RawStreamDialer compliance at compile time.
var _ bus.RawStreamDialer = (*TCPTransport)(nil)

// ErrRawStreamRefused indicates the peer answered the raw-stream upgrade
// request with something other than 101 Switching Protocols.
var ErrRawStreamRefused = errors.New("peer refused raw-stream upgrade")

// ConnFD duplicates the descriptor backing an accepted connection, for the
// link listener's side of the raw-stream upgrade. The caller owns the
// returned fd; the connection itself may be closed afterwards.
func ConnFD(c net.Conn) (int, error) {
	return connFD(c)
}

// DialRawStream opens a dedicated byte-stream connection to busAddr's link
// listener for sessionID, implementing bus.RawStreamDialer. The handshake
// is a plain HTTP/1.1 Upgrade so it can share the listener with the
// ConnectRPC traffic; once the 101 response is consumed the connection
// carries nothing but raw session bytes, and its dup'ed descriptor is
// handed to the caller.
func (t *TCPTransport) DialRawStream(ctx context.Context, busAddr string, sessionID uint32) (int, error) {
	hostPort, err := parseBusAddr(busAddr)
	if err != nil {
		return -1, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return -1, fmt.Errorf("raw stream dial %s: %w", busAddr, err)
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n%s: %d\r\nConnection: Upgrade\r\nUpgrade: %s\r\n\r\n",
		wire.RawStreamPath, hostPort, wire.RawStreamSessionHeader, sessionID, wire.RawStreamProtocol)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return -1, fmt.Errorf("raw stream dial %s: %w", busAddr, err)
	}

	status, err := readUpgradeResponse(conn)
	if err != nil {
		conn.Close()
		return -1, fmt.Errorf("raw stream dial %s: %w", busAddr, err)
	}
	if !strings.Contains(status, " 101 ") {
		conn.Close()
		return -1, fmt.Errorf("raw stream dial %s: %w: %s", busAddr, ErrRawStreamRefused, status)
	}

	fd, err := connFD(conn)
	conn.Close()
	if err != nil {
		return -1, fmt.Errorf("raw stream dial %s: %w", busAddr, err)
	}
	return fd, nil
}

// maxUpgradeResponse bounds the 101 response size; anything larger is a
// peer speaking some other protocol.
const maxUpgradeResponse = 4096

// readUpgradeResponse consumes the peer's response headers one byte at a
// time, up to the blank line, and returns the status line. Byte-wise reads
// avoid buffering past the header terminator: every byte after it belongs
// to the raw session and must stay in the socket for the fd's new owner.
func readUpgradeResponse(conn net.Conn) (string, error) {
	var buf bytes.Buffer
	b := make([]byte, 1)
	for buf.Len() < maxUpgradeResponse {
		if _, err := conn.Read(b); err != nil {
			return "", err
		}
		buf.WriteByte(b[0])
		if bytes.HasSuffix(buf.Bytes(), []byte("\r\n\r\n")) {
			status, _, _ := strings.Cut(buf.String(), "\r\n")
			return status, nil
		}
	}
	return "", fmt.Errorf("raw stream upgrade: response exceeds %d bytes", maxUpgradeResponse)
}
