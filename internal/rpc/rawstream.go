package rpc

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/busd-project/busd/internal/transport"
	"github.com/busd-project/busd/internal/wire"
)

// rawStream accepts the dedicated byte stream of a cross-daemon raw
// session. The dialing daemon sends a plain HTTP/1.1 Upgrade request on the
// link listener; once answered with 101 the connection carries nothing but
// session bytes, so its descriptor is duplicated out and adopted by the
// controller (stashed for the session host, or spliced onward by a
// middle-man pump).
func (s *LinkService) rawStream(w http.ResponseWriter, r *http.Request) {
	id64, err := strconv.ParseUint(r.Header.Get(wire.RawStreamSessionHeader), 10, 32)
	if err != nil || id64 == 0 {
		http.Error(w, "missing or malformed session id", http.StatusBadRequest)
		return
	}
	sessionID := uint32(id64)

	if r.Header.Get("Upgrade") != wire.RawStreamProtocol {
		http.Error(w, "unsupported upgrade protocol", http.StatusUpgradeRequired)
		return
	}

	// Hijacking is an HTTP/1.1-only capability; an HTTP/2 stream cannot
	// become a raw socket. The dialer always speaks HTTP/1.1 here.
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "raw streams require HTTP/1.1", http.StatusHTTPVersionNotSupported)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		s.logger.Warn("raw stream: hijack failed",
			slog.Uint64("session", uint64(sessionID)), slog.String("error", err.Error()))
		return
	}

	if _, err := bufrw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: " +
		wire.RawStreamProtocol + "\r\n\r\n"); err != nil {
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		conn.Close()
		return
	}

	// The dialer sends no bytes until it has read the 101, so bufrw's read
	// buffer is empty here and every unread byte still sits in the socket
	// for the descriptor's new owner.
	fd, err := transport.ConnFD(conn)
	conn.Close()
	if err != nil {
		s.logger.Warn("raw stream: descriptor extraction failed",
			slog.Uint64("session", uint64(sessionID)), slog.String("error", err.Error()))
		return
	}

	if err := s.ctrl.AdoptRawStream(sessionID, fd); err != nil {
		s.logger.Warn("raw stream: unclaimed", slog.String("error", err.Error()))
	}
}
