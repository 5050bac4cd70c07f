// busd is the session-and-routing core of a peer-to-peer software bus: it
// accepts local client connections over BusService, links to sibling
// daemons over LinkService, and drives the Join/Attach/Detach protocol and
// name-ownership propagation between them.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/busd-project/busd/internal/bus"
	"github.com/busd-project/busd/internal/config"
	busmetrics "github.com/busd-project/busd/internal/metrics"
	"github.com/busd-project/busd/internal/rpc"
	"github.com/busd-project/busd/internal/transport"
	appversion "github.com/busd-project/busd/internal/version"
	"github.com/busd-project/busd/internal/wire"
)

// shutdownTimeout bounds how long graceful shutdown waits for HTTP servers
// to drain active connections.
const shutdownTimeout = 10 * time.Second

// metricsSampleInterval is how often the gauge-shaped metrics are
// refreshed from live core state.
const metricsSampleInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
 slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
 slog.String("error", err.Error()))
 return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("busd starting",
 slog.String("version", appversion.Version),
 slog.String("client_addr", cfg.RPC.ClientAddr),
 slog.String("b2b_addr", cfg.RPC.B2BAddr),
 slog.String("metrics_addr", cfg.Metrics.Addr))

	reg := prometheus.NewRegistry()
	collector := busmetrics.NewCollector(reg)

	guid := cfg.Bus.Guid
	if guid == "" {
 guid, err = newGuid()
 if err != nil {
 logger.Error("failed to mint daemon guid", slog.String("error", err.Error()))
 return 1
 }
	}

	registry := bus.NewRegistry(guid)
	httpClient := transport.DefaultHTTPClient()
	linkCaller := rpc.NewLinkCaller(httpClient, registry, logger)

	transports, listenAddrs := buildTransports(cfg.Transports, linkCaller, logger)

	ctrl := bus.NewController(registry, bus.Deps{
 RPC: linkCaller,
 Transports: transports,
 Pump: transport.NewIOPump(logger),
 NewSocketPair: transport.NewSocketPair,
 Logger: logger,
	})

	busSvc := rpc.NewBusService(ctrl, collector, logger)
	ctrl.SetObjectSystem(busSvc)
	ctrl.SetLostNameHook(ctrl.NotifyNameLost)
	linkSvc := rpc.NewLinkService(ctrl, listenAddrs, logger)

	applyDeclarativeBinds(ctrl, cfg.Binds, logger)
	connectDeclarativeSiblings(context.Background(), ctrl, cfg.Siblings, logger)

	if err := runServers(cfg, ctrl, busSvc, linkSvc, reg, collector, logger, *configPath, logLevel); err != nil {
 logger.Error("busd exited with error", slog.String("error", err.Error()))
 return 1
	}

	logger.Info("busd stopped")
	return 0
}

// newGuid mints a 128-bit hex daemon guid, the same shape the DBus wire
// protocol uses for bus and session ids.
func newGuid() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
 return "", fmt.Errorf("mint guid: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// buildTransports constructs the LinkTransport plugins named in cfg, plus
// the listenAddrs map LinkService answers GetSessionInfo with. Unrecognized transport kinds are logged and skipped rather
// than treated as fatal -- a daemon with no transports still serves local
// clients over TRANSPORT_LOCAL.
func buildTransports(cfgs []config.TransportConfig, linkCaller *rpc.LinkCaller, logger *slog.Logger) ([]bus.LinkTransport, map[wire.Transport]string) {
	var transports []bus.LinkTransport
	listenAddrs := make(map[wire.Transport]string)

	for _, tc := range cfgs {
 switch tc.Kind {
 case "tcp":
 t := transport.NewTCPTransport(linkCaller, logger)
 transports = append(transports, t)
 if tc.ListenAddr != "" {
 listenAddrs[t.Mask()] = transport.BusAddr(tc.ListenAddr)
 }
 default:
 logger.Warn("unrecognized transport kind, skipping", slog.String("kind", tc.Kind))
 }
	}

	return transports, listenAddrs
}

// applyDeclarativeBinds installs the session-port reservations listed in
// cfg.Binds before any server starts accepting connections, so a client
// dialing immediately after startup can join them without racing a dynamic
// BindSessionPort call.
func applyDeclarativeBinds(ctrl *bus.Controller, binds []config.BindConfig, logger *slog.Logger) {
	for _, b := range binds {
 opts, err := bindOptsFromConfig(b)
 if err != nil {
 logger.Error("skip declarative bind: bad opts",
 slog.String("host", b.Host), slog.String("error", err.Error()))
 continue
 }
 reply, port, err := ctrl.BindSessionPort(wire.UniqueName(b.Host), b.Port, opts)
 if err != nil {
 logger.Error("declarative bind failed",
 slog.String("host", b.Host), slog.String("reply", reply.String()), slog.String("error", err.Error()))
 continue
 }
 logger.Info("declarative bind installed",
 slog.String("host", b.Host), slog.Uint64("port", uint64(port)))
	}
}

// bindOptsFromConfig parses a BindConfig's string fields into wire.Opts,
// defaulting an empty transports list to TransportAny.
func bindOptsFromConfig(b config.BindConfig) (wire.Opts, error) {
	traffic, err := wire.ParseTraffic(b.Traffic)
	if err != nil {
 return wire.Opts{}, fmt.Errorf("traffic: %w", err)
	}
	proximity, err := wire.ParseProximity(b.Proximity)
	if err != nil {
 return wire.Opts{}, fmt.Errorf("proximity: %w", err)
	}
	trans := wire.TransportAny
	if b.Transports != "" {
 trans, err = wire.ParseTransport(b.Transports)
 if err != nil {
 return wire.Opts{}, fmt.Errorf("transports: %w", err)
 }
	}
	return wire.Opts{
 Traffic: traffic,
 Proximity: proximity,
 Transports: trans,
 IsMultipoint: b.IsMultipoint,
	}, nil
}

// connectDeclarativeSiblings dials every statically configured sibling bus
// address in the background, logging failures rather than blocking startup
// on an unreachable peer -- JoinSession's own on-demand Connect retries
// later regardless.
func connectDeclarativeSiblings(ctx context.Context, ctrl *bus.Controller, siblings []config.SiblingConfig, logger *slog.Logger) {
	for _, s := range siblings {
 mask := wire.TransportAny
 if s.Transports != "" {
 m, err := wire.ParseTransport(s.Transports)
 if err != nil {
 logger.Error("skip declarative sibling: bad transports",
 slog.String("bus_addr", s.BusAddr), slog.String("error", err.Error()))
 continue
 }
 mask = m
 }
 go func(addr string, mask wire.Transport) {
 if err := ctrl.ConnectSibling(ctx, addr, mask); err != nil {
 logger.Warn("declarative sibling connect failed",
 slog.String("bus_addr", addr), slog.String("error", err.Error()))
 }
 }(s.BusAddr, mask)
	}
}

// runServers wires the ConnectRPC servers, the metrics-sampler and
// TTL-reaper background tasks, and systemd lifecycle integration into an
// errgroup keyed off a signal-aware context, then blocks until every
// goroutine returns.
func runServers(
	cfg *config.Config,
	ctrl *bus.Controller,
	busSvc *rpc.BusService,
	linkSvc *rpc.LinkService,
	reg *prometheus.Registry,
	collector *busmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	clientSrv := rpc.NewClientServer(cfg.RPC.ClientAddr, busSvc)
	linkSrv := rpc.NewLinkServer(cfg.RPC.B2BAddr, linkSvc)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startHTTPServers(gCtx, g, cfg, clientSrv, linkSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	g.Go(func() error {
 ctrl.NameDiscovery().RunReaper(gCtx, logger)
 return nil
	})
	g.Go(func() error {
 runMetricsSampler(gCtx, ctrl, collector)
 return nil
	})

	notifyReady(logger)

	g.Go(func() error {
 <-gCtx.Done()
 return gracefulShutdown(gCtx, ctrl, logger, clientSrv, linkSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
 return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	clientSrv, linkSrv, metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
 logger.Info("client rpc server listening", slog.String("addr", cfg.RPC.ClientAddr))
 return listenAndServe(ctx, &lc, clientSrv, cfg.RPC.ClientAddr)
	})
	g.Go(func() error {
 logger.Info("b2b link server listening", slog.String("addr", cfg.RPC.B2BAddr))
 return listenAndServe(ctx, &lc, linkSrv, cfg.RPC.B2BAddr)
	})
	g.Go(func() error {
 logger.Info("metrics server listening",
 slog.String("addr", cfg.Metrics.Addr),
 slog.String("path", cfg.Metrics.Path))
 return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
 return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
 defer signal.Stop(sigHUP)
 handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
 return nil
	})
}

// runMetricsSampler periodically reads the core's counts and writes them
// into the Prometheus gauges; the core has no push path of its own for
// state that is cheap to recompute on demand.
func runMetricsSampler(ctx context.Context, ctrl *bus.Controller, collector *busmetrics.Collector) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()

	sample := func() {
 collector.Sessions.Set(float64(ctrl.SessionCount()))
 collector.BindReservations.Set(float64(ctrl.BindReservationCount()))
 collector.Routes.Set(float64(ctrl.Routes().Len()))
 collector.VirtualEndpoints.Set(float64(len(ctrl.Registry().VirtualEndpoints())))
 collector.B2BLinks.Set(float64(len(ctrl.Registry().B2BLinks())))
 collector.NameDiscoveryRecords.Set(float64(ctrl.NameDiscovery().Len()))
 for bit, count := range ctrl.Advertise().TransportCounts() {
 collector.AdvertisedNames.WithLabelValues(bit.String()).Set(float64(count))
 }
	}

	sample()
	for {
 select {
 case <-ctx.Done():
 return
 case <-ticker.C:
 sample()
 }
	}
}

// -------------------------------------------------------------------------
// Systemd integration -- sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
 logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
 return
	}
	if sent {
 logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
 logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
 return
	}
	if sent {
 logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
 logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
 return nil
	}
	if interval == 0 {
 logger.Debug("systemd watchdog not configured, skipping keepalive")
 return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
 slog.Duration("watchdog_sec", interval),
 slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
 select {
 case <-ctx.Done():
 return nil
 case <-ticker.C:
 if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
 logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
 }
 }
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload -- log level only; the session map is live client state,
// not declarative config, so there is nothing to reconcile here.
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
 select {
 case <-ctx.Done():
 return
 case <-sigHUP:
 logger.Info("received SIGHUP, reloading configuration")
 reloadConfig(configPath, logLevel, logger)
 }
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
 logger.Error("failed to reload configuration, keeping current settings",
 slog.String("error", err.Error()))
 return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
 slog.String("old_log_level", oldLevel.String()),
 slog.String("new_log_level", newLevel.String()))
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	ctrl *bus.Controller,
	logger *slog.Logger,
	servers...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	ctrl.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
 if err := srv.Shutdown(shutdownCtx); err != nil {
 shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
 }
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
 return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
 return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
 Addr: cfg.Addr,
 Handler: mux,
 ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
 cfg, err := config.Load(path)
 if err != nil {
 return nil, fmt.Errorf("load config from %s: %w", path, err)
 }
 return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
 handler = slog.NewTextHandler(os.Stdout, opts)
	default:
 handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
