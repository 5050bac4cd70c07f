package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/busd-project/busd/internal/bus"
	"github.com/busd-project/busd/internal/wire"
)

// -------------------------------------------------------------------------
// LinkCaller -- outbound b2b calls (implements bus.DaemonRPC)
// -------------------------------------------------------------------------

// LinkCaller dials sibling daemons over their b2b LinkService. The bus
// address for a b2b UniqueName is read straight from the registry's
// Endpoint.BusAddr, the same field join.go's connectAndAttach fills in when
// a transport plugin's Connect succeeds -- so
// LinkCaller carries no address bookkeeping of its own.
type LinkCaller struct {
	http *http.Client
	registry *bus.Registry

	logger *slog.Logger
}

// verify bus.DaemonRPC compliance at compile time.
var _ bus.DaemonRPC = (*LinkCaller)(nil)

// NewLinkCaller constructs a LinkCaller using httpClient for outbound
// plaintext HTTP connections. A nil httpClient uses http.DefaultClient. LinkCaller only
// needs the endpoint registry (not the full Controller), which lets main
// construct it before the Controller exists and hand it in as
// bus.Deps.RPC -- breaking what would otherwise be a construction cycle
// between Controller and its DaemonRPC collaborator.
func NewLinkCaller(httpClient *http.Client, registry *bus.Registry, logger *slog.Logger) *LinkCaller {
	if httpClient == nil {
 httpClient = http.DefaultClient
	}
	return &LinkCaller{
 http: httpClient,
 registry: registry,
 logger: logger.With(slog.String("component", "rpc.link_caller")),
	}
}

func (l *LinkCaller) addrFor(b2b wire.UniqueName) (string, bool) {
	ep, ok := l.registry.Find(b2b)
	if !ok || ep.BusAddr == "" {
 return "", false
	}
	return ep.BusAddr, true
}

// Identify dials addr directly (bypassing the registry, since no b2b
// UniqueName exists for this address yet) and returns the peer daemon's
// guid. Transport plugins call this as the first step of establishing a
// b2b link, before any session traffic flows.
func (l *LinkCaller) Identify(ctx context.Context, addr string) (string, error) {
	client := connect.NewClient[IdentifyRequest, IdentifyResponse](
 l.http, addr+ProcedureIdentify, connect.WithCodec(jsonCodec{}))
	resp, err := client.CallUnary(ctx, connect.NewRequest(&IdentifyRequest{}))
	if err != nil {
 return "", fmt.Errorf("identify %s: %w", addr, err)
	}
	return resp.Msg.GUID, nil
}

func (l *LinkCaller) AttachSession(ctx context.Context, via wire.UniqueName, req bus.AttachSessionRequest) (bus.AttachSessionResponse, error) {
	addr, ok := l.addrFor(via)
	if !ok {
 return bus.AttachSessionResponse{}, fmt.Errorf("attach session via %s: %w", via, ErrNoAddrForLink)
	}
	client := connect.NewClient[bus.AttachSessionRequest, bus.AttachSessionResponse](
 l.http, addr+ProcedureAttachSession, connect.WithCodec(jsonCodec{}))
	resp, err := client.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
 return bus.AttachSessionResponse{}, fmt.Errorf("attach session via %s: %w", via, err)
	}
	return *resp.Msg, nil
}

func (l *LinkCaller) GetSessionInfo(ctx context.Context, via wire.UniqueName, host wire.UniqueName, port uint16, opts wire.Opts) ([]string, error) {
	addr, ok := l.addrFor(via)
	if !ok {
 return nil, fmt.Errorf("get session info via %s: %w", via, ErrNoAddrForLink)
	}
	client := connect.NewClient[GetSessionInfoRequest, GetSessionInfoResponse](
 l.http, addr+ProcedureGetSessionInfo, connect.WithCodec(jsonCodec{}))
	resp, err := client.CallUnary(ctx, connect.NewRequest(&GetSessionInfoRequest{Host: host, Port: port, Opts: opts}))
	if err != nil {
 return nil, fmt.Errorf("get session info via %s: %w", via, err)
	}
	return resp.Msg.BusAddrs, nil
}

func (l *LinkCaller) DetachSession(ctx context.Context, via wire.UniqueName, sessionID uint32, joiner wire.UniqueName) {
	addr, ok := l.addrFor(via)
	if !ok {
 return
	}
	client := connect.NewClient[DetachSessionRequest, struct{}](
 l.http, addr+ProcedureDetachSession, connect.WithCodec(jsonCodec{}))
	_, err := client.CallUnary(ctx, connect.NewRequest(&DetachSessionRequest{SenderGUID: l.registry.Guid(), SessionID: sessionID, Joiner: joiner}))
	if err != nil {
 l.logger.Warn("detach session signal failed", slog.String("via", string(via)), slog.String("error", err.Error()))
	}
}

func (l *LinkCaller) ExchangeNames(ctx context.Context, via wire.UniqueName, entries []bus.NameAliasEntry) {
	addr, ok := l.addrFor(via)
	if !ok {
 return
	}
	client := connect.NewClient[ExchangeNamesRequest, struct{}](
 l.http, addr+ProcedureExchangeNames, connect.WithCodec(jsonCodec{}))
	_, err := client.CallUnary(ctx, connect.NewRequest(&ExchangeNamesRequest{SenderGUID: l.registry.Guid(), Entries: entries}))
	if err != nil {
 l.logger.Warn("exchange names signal failed", slog.String("via", string(via)), slog.String("error", err.Error()))
	}
}

func (l *LinkCaller) NameChanged(ctx context.Context, via wire.UniqueName, alias string, oldOwner, newOwner wire.UniqueName) {
	addr, ok := l.addrFor(via)
	if !ok {
 return
	}
	client := connect.NewClient[NameChangedRequest, struct{}](
 l.http, addr+ProcedureNameChanged, connect.WithCodec(jsonCodec{}))
	_, err := client.CallUnary(ctx, connect.NewRequest(&NameChangedRequest{SenderGUID: l.registry.Guid(), Alias: alias, OldOwner: oldOwner, NewOwner: newOwner}))
	if err != nil {
 l.logger.Warn("name changed signal failed", slog.String("via", string(via)), slog.String("error", err.Error()))
	}
}

// ErrNoAddrForLink indicates the LinkCaller has no recorded address for a
// b2b UniqueName -- the link was never registered or has since been
// removed.
var ErrNoAddrForLink = errors.New("no recorded bus address for b2b link")

// -------------------------------------------------------------------------
// LinkService -- inbound b2b handler
// -------------------------------------------------------------------------

// LinkService handles inbound AttachSession/GetSessionInfo calls and
// DetachSession/ExchangeNames/NameChanged signals from sibling daemons.
type LinkService struct {
	ctrl *bus.Controller
	listenAddrs map[wire.Transport]string
	logger *slog.Logger
}

// NewLinkService constructs a LinkService. listenAddrs maps this daemon's
// own transport plugins to the bus address sibling daemons can dial them
// at, answering GetSessionInfo.
func NewLinkService(ctrl *bus.Controller, listenAddrs map[wire.Transport]string, logger *slog.Logger) *LinkService {
	return &LinkService{
 ctrl: ctrl,
 listenAddrs: listenAddrs,
 logger: logger.With(slog.String("component", "rpc.link_service")),
	}
}

// Handler returns the mounted path and http.Handler for the LinkService.
func (s *LinkService) Handler(opts...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	base := append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux.Handle(ProcedureAttachSession, connect.NewUnaryHandler(ProcedureAttachSession, s.attachSession, base...))
	mux.Handle(ProcedureGetSessionInfo, connect.NewUnaryHandler(ProcedureGetSessionInfo, s.getSessionInfo, base...))
	mux.Handle(ProcedureDetachSession, connect.NewUnaryHandler(ProcedureDetachSession, s.detachSession, base...))
	mux.Handle(ProcedureExchangeNames, connect.NewUnaryHandler(ProcedureExchangeNames, s.exchangeNames, base...))
	mux.Handle(ProcedureNameChanged, connect.NewUnaryHandler(ProcedureNameChanged, s.nameChanged, base...))
	mux.Handle(ProcedureIdentify, connect.NewUnaryHandler(ProcedureIdentify, s.identify, base...))

	// Raw-session byte streams ride the same listener as an HTTP/1.1
	// upgrade rather than a Connect procedure.
	mux.HandleFunc(wire.RawStreamPath, s.rawStream)

	return "/busd.link.v1.LinkService/", mux
}

func (s *LinkService) identify(ctx context.Context, req *connect.Request[IdentifyRequest]) (*connect.Response[IdentifyResponse], error) {
	return connect.NewResponse(&IdentifyResponse{GUID: s.ctrl.Registry().Guid()}), nil
}

func (s *LinkService) attachSession(ctx context.Context, req *connect.Request[bus.AttachSessionRequest]) (*connect.Response[bus.AttachSessionResponse], error) {
	resp := s.ctrl.HandleAttachSession(ctx, *req.Msg)
	return connect.NewResponse(&resp), nil
}

func (s *LinkService) getSessionInfo(ctx context.Context, req *connect.Request[GetSessionInfoRequest]) (*connect.Response[GetSessionInfoResponse], error) {
	var addrs []string
	if _, ok := s.ctrl.Registry().Find(req.Msg.Host); ok {
 for transport, addr := range s.listenAddrs {
 if transport&req.Msg.Opts.Transports != 0 {
 addrs = append(addrs, addr)
 }
 }
	}
	return connect.NewResponse(&GetSessionInfoResponse{BusAddrs: addrs}), nil
}

func (s *LinkService) detachSession(ctx context.Context, req *connect.Request[DetachSessionRequest]) (*connect.Response[struct{}], error) {
	// Echoes of our own broadcast come back with our guid; drop them.
	if req.Msg.SenderGUID == s.ctrl.Registry().Guid() {
 return connect.NewResponse(&struct{}{}), nil
	}
	from := s.fromB2B(req.Msg.SenderGUID)
	s.ctrl.HandleDetachSession(ctx, from, req.Msg.SessionID, req.Msg.Joiner)
	return connect.NewResponse(&struct{}{}), nil
}

func (s *LinkService) exchangeNames(ctx context.Context, req *connect.Request[ExchangeNamesRequest]) (*connect.Response[struct{}], error) {
	from := s.fromB2B(req.Msg.SenderGUID)
	s.ctrl.NameOwner().ApplyExchangeNames(ctx, from, req.Msg.SenderGUID, req.Msg.Entries)
	return connect.NewResponse(&struct{}{}), nil
}

func (s *LinkService) nameChanged(ctx context.Context, req *connect.Request[NameChangedRequest]) (*connect.Response[struct{}], error) {
	from := s.fromB2B(req.Msg.SenderGUID)
	s.ctrl.NameOwner().ApplyNameChanged(ctx, from, req.Msg.SenderGUID, req.Msg.Alias, req.Msg.OldOwner, req.Msg.NewOwner)
	return connect.NewResponse(&struct{}{}), nil
}

// fromB2B resolves the inbound request's sender guid to the local
// UniqueName this daemon's registry uses for that b2b link.
func (s *LinkService) fromB2B(senderGUID string) wire.UniqueName {
	for _, ep := range s.ctrl.Registry().B2BLinks() {
 if ep.RemoteGUID == senderGUID {
 return ep.Name
 }
	}
	return ""
}
