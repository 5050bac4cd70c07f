package rpc

import (
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// readHeaderTimeout bounds the time spent reading request headers against
// slow-header-write attacks.
const readHeaderTimeout = 10 * time.Second

// NewClientServer builds the HTTP server local processes dial for the
// client-facing BusService, wrapped with h2c so plaintext HTTP/2 clients
// (no TLS) can connect.
func NewClientServer(addr string, svc *BusService) *http.Server {
	mux := http.NewServeMux()

	path, handler := svc.Handler(
 connect.WithInterceptors(
 LoggingInterceptor(svc.logger),
 RecoveryInterceptor(svc.logger),
 ),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
 grpchealth.HealthV1ServiceName,
 "busd.bus.v1.BusService",
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
 Addr: addr,
 Handler: h2c.NewHandler(mux, &http2.Server{}),
 ReadHeaderTimeout: readHeaderTimeout,
	}
}

// NewLinkServer builds the HTTP server sibling daemons dial for the
// b2b-facing LinkService.
func NewLinkServer(addr string, svc *LinkService) *http.Server {
	mux := http.NewServeMux()

	path, handler := svc.Handler(
 connect.WithInterceptors(
 LoggingInterceptor(svc.logger),
 RecoveryInterceptor(svc.logger),
 ),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
 grpchealth.HealthV1ServiceName,
 "busd.link.v1.LinkService",
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
 Addr: addr,
 Handler: h2c.NewHandler(mux, &http2.Server{}),
 ReadHeaderTimeout: readHeaderTimeout,
	}
}
