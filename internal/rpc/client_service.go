package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/busd-project/busd/internal/bus"
	busmetrics "github.com/busd-project/busd/internal/metrics"
	"github.com/busd-project/busd/internal/wire"
)

// BusService is the client-facing RPC surface: local processes
// bind/join/leave sessions and advertise/discover well-known names through
// it. It also implements bus.ObjectSystem, delivering signals over
// WatchSignals and method-call probes (AcceptSessionJoiner) over the same
// stream's accept_request/RespondAccept round trip.
type BusService struct {
	ctrl *bus.Controller
	signals *signalBus
	metrics *busmetrics.Collector
	logger *slog.Logger
}

// verify bus.ObjectSystem compliance at compile time.
var _ bus.ObjectSystem = (*BusService)(nil)

// NewBusService constructs a BusService bound to ctrl.
func NewBusService(ctrl *bus.Controller, collector *busmetrics.Collector, logger *slog.Logger) *BusService {
	return &BusService{
 ctrl: ctrl,
 signals: newSignalBus(),
 metrics: collector,
 logger: logger.With(slog.String("component", "rpc.bus_service")),
	}
}

// Handler returns the mounted path and http.Handler for the BusService,
// wired with the JSON codec plus logging/recovery interceptors.
func (s *BusService) Handler(opts...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	base := append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux.Handle(ProcedureBindSessionPort, connect.NewUnaryHandler(ProcedureBindSessionPort, s.bindSessionPort, base...))
	mux.Handle(ProcedureUnbindSessionPort, connect.NewUnaryHandler(ProcedureUnbindSessionPort, s.unbindSessionPort, base...))
	mux.Handle(ProcedureJoinSession, connect.NewUnaryHandler(ProcedureJoinSession, s.joinSession, base...))
	mux.Handle(ProcedureLeaveSession, connect.NewUnaryHandler(ProcedureLeaveSession, s.leaveSession, base...))
	mux.Handle(ProcedureGetSessionFd, connect.NewUnaryHandler(ProcedureGetSessionFd, s.getSessionFd, base...))
	mux.Handle(ProcedureSetLinkTimeout, connect.NewUnaryHandler(ProcedureSetLinkTimeout, s.setLinkTimeout, base...))
	mux.Handle(ProcedureAdvertiseName, connect.NewUnaryHandler(ProcedureAdvertiseName, s.advertiseName, base...))
	mux.Handle(ProcedureCancelAdvertiseName, connect.NewUnaryHandler(ProcedureCancelAdvertiseName, s.cancelAdvertiseName, base...))
	mux.Handle(ProcedureFindAdvertisedName, connect.NewUnaryHandler(ProcedureFindAdvertisedName, s.findAdvertisedName, base...))
	mux.Handle(ProcedureCancelFindAdvertisedName, connect.NewUnaryHandler(ProcedureCancelFindAdvertisedName, s.cancelFindAdvertisedName, base...))
	mux.Handle(ProcedureRespondAccept, connect.NewUnaryHandler(ProcedureRespondAccept, s.respondAccept, base...))
	mux.Handle(ProcedureWatchSignals, connect.NewServerStreamHandler(ProcedureWatchSignals, s.watchSignals, base...))

	return "/busd.bus.v1.BusService/", mux
}

func (s *BusService) bindSessionPort(ctx context.Context, req *connect.Request[BindSessionPortRequest]) (*connect.Response[BindSessionPortResponse], error) {
	reply, port, err := s.ctrl.BindSessionPort(req.Msg.Host, req.Msg.RequestedPort, req.Msg.Opts)
	if err != nil {
 s.logger.Debug("bind session port failed", slog.String("reply", reply.String()), slog.String("error", err.Error()))
	}
	return connect.NewResponse(&BindSessionPortResponse{Reply: reply.String(), Port: port}), nil
}

func (s *BusService) unbindSessionPort(ctx context.Context, req *connect.Request[UnbindSessionPortRequest]) (*connect.Response[UnbindSessionPortResponse], error) {
	if err := s.ctrl.UnbindSessionPort(req.Msg.Host, req.Msg.Port); err != nil {
 return nil, connect.NewError(connect.CodeNotFound, err)
	}
	return connect.NewResponse(&UnbindSessionPortResponse{}), nil
}

func (s *BusService) joinSession(ctx context.Context, req *connect.Request[JoinSessionRequest]) (*connect.Response[JoinSessionResponse], error) {
	start := time.Now()
	resultCh := s.ctrl.JoinSession(ctx, bus.JoinRequest{
 Joiner: req.Msg.Joiner,
 SessionHost: req.Msg.SessionHost,
 Port: req.Msg.Port,
 Opts: req.Msg.Opts,
	})

	select {
	case result := <-resultCh:
 if s.metrics != nil {
 s.metrics.ObserveJoin(result.Reply.String(), time.Since(start).Seconds())
 }
 return connect.NewResponse(&JoinSessionResponse{
 Reply: result.Reply.String(),
 SessionID: result.SessionID,
 Opts: result.Opts,
 }), nil
	case <-ctx.Done():
 return nil, connect.NewError(connect.CodeDeadlineExceeded, ctx.Err())
	}
}

func (s *BusService) leaveSession(ctx context.Context, req *connect.Request[LeaveSessionRequest]) (*connect.Response[LeaveSessionResponse], error) {
	if err := s.ctrl.LeaveSession(ctx, req.Msg.Endpoint, req.Msg.SessionID); err != nil {
 return nil, connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewResponse(&LeaveSessionResponse{}), nil
}

func (s *BusService) getSessionFd(ctx context.Context, req *connect.Request[GetSessionFdRequest]) (*connect.Response[GetSessionFdResponse], error) {
	fd, err := s.ctrl.GetSessionFd(ctx, req.Msg.Endpoint, req.Msg.SessionID)
	if err != nil {
 return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&GetSessionFdResponse{FD: fd}), nil
}

func (s *BusService) setLinkTimeout(ctx context.Context, req *connect.Request[SetLinkTimeoutRequest]) (*connect.Response[SetLinkTimeoutResponse], error) {
	reply, applied, err := s.ctrl.SetLinkTimeout(ctx, req.Msg.Endpoint, req.Msg.SessionID, time.Duration(req.Msg.RequestedMillis)*time.Millisecond)
	if err != nil {
 return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&SetLinkTimeoutResponse{
 Reply: reply.String(),
 AppliedMillis: uint32(applied / time.Millisecond),
	}), nil
}

func (s *BusService) advertiseName(ctx context.Context, req *connect.Request[AdvertiseNameRequest]) (*connect.Response[AdvertiseNameResponse], error) {
	if err := s.ctrl.AdvertiseName(ctx, req.Msg.Owner, req.Msg.Name, req.Msg.Mask); err != nil {
 return nil, connect.NewError(connect.CodeAlreadyExists, err)
	}
	return connect.NewResponse(&AdvertiseNameResponse{}), nil
}

func (s *BusService) cancelAdvertiseName(ctx context.Context, req *connect.Request[CancelAdvertiseNameRequest]) (*connect.Response[CancelAdvertiseNameResponse], error) {
	if err := s.ctrl.CancelAdvertiseName(ctx, req.Msg.Owner, req.Msg.Name, req.Msg.Mask); err != nil {
 return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&CancelAdvertiseNameResponse{}), nil
}

func (s *BusService) findAdvertisedName(ctx context.Context, req *connect.Request[FindAdvertisedNameRequest]) (*connect.Response[FindAdvertisedNameResponse], error) {
	if err := s.ctrl.FindAdvertisedName(ctx, req.Msg.Owner, req.Msg.Prefix); err != nil {
 return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&FindAdvertisedNameResponse{}), nil
}

func (s *BusService) cancelFindAdvertisedName(ctx context.Context, req *connect.Request[CancelFindAdvertisedNameRequest]) (*connect.Response[CancelFindAdvertisedNameResponse], error) {
	if err := s.ctrl.CancelFindAdvertisedName(ctx, req.Msg.Owner, req.Msg.Prefix); err != nil {
 return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&CancelFindAdvertisedNameResponse{}), nil
}

func (s *BusService) respondAccept(ctx context.Context, req *connect.Request[RespondAcceptRequest]) (*connect.Response[RespondAcceptResponse], error) {
	s.signals.resolveAccept(req.Msg.RequestID, req.Msg.Accept)
	return connect.NewResponse(&RespondAcceptResponse{}), nil
}

func (s *BusService) watchSignals(ctx context.Context, req *connect.Request[WatchSignalsRequest], stream *connect.ServerStream[Signal]) error {
	endpoint := req.Msg.Endpoint
	ch := s.signals.subscribe(endpoint)
	defer s.signals.unsubscribe(endpoint, ch)

	for {
 select {
 case <-ctx.Done():
 return nil
 case sig, ok := <-ch:
 if !ok {
 return nil
 }
 if err := stream.Send(&sig); err != nil {
 return err
 }
 }
	}
}

// -------------------------------------------------------------------------
// bus.ObjectSystem
// -------------------------------------------------------------------------

func (s *BusService) AcceptSessionJoiner(ctx context.Context, host wire.UniqueName, port uint16, sessionID uint32, joiner wire.UniqueName, opts wire.Opts) (bool, error) {
	accepted, err := s.signals.requestAccept(ctx, host, Signal{
 Kind: SignalAcceptRequest,
 Host: host,
 Port: port,
 SessionID: sessionID,
 Joiner: joiner,
	})
	if err != nil {
 s.logger.Warn("accept session joiner: probe failed",
 slog.String("host", string(host)), slog.String("error", err.Error()))
 return false, err
	}
	return accepted, nil
}

func (s *BusService) SessionJoined(ctx context.Context, to wire.UniqueName, port uint16, sessionID uint32, joiner wire.UniqueName) {
	s.signals.publish(to, Signal{Kind: SignalSessionJoined, Port: port, SessionID: sessionID, Joiner: joiner})
}

func (s *BusService) SessionLost(ctx context.Context, to wire.UniqueName, sessionID uint32) {
	s.signals.publish(to, Signal{Kind: SignalSessionLost, SessionID: sessionID})
}

func (s *BusService) MPSessionChanged(ctx context.Context, to wire.UniqueName, sessionID uint32, member wire.UniqueName, added bool) {
	s.signals.publish(to, Signal{Kind: SignalMPSessionChanged, SessionID: sessionID, Member: member, Added: added})
}

func (s *BusService) FoundAdvertisedName(ctx context.Context, to wire.UniqueName, name wire.WellKnownName, transport wire.Transport, busAddr string) {
	s.signals.publish(to, Signal{Kind: SignalFoundAdvertisedName, Name: name, Transport: transport, BusAddr: busAddr})
}

func (s *BusService) LostAdvertisedName(ctx context.Context, to wire.UniqueName, name wire.WellKnownName, transport wire.Transport, busAddr string) {
	s.signals.publish(to, Signal{Kind: SignalLostAdvertisedName, Name: name, Transport: transport, BusAddr: busAddr})
}
