// Package config manages busd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete busd daemon configuration.
type Config struct {
	RPC RPCConfig `koanf:"rpc"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log LogConfig `koanf:"log"`
	Bus BusConfig `koanf:"bus"`
	Transports []TransportConfig `koanf:"transports"`
	// Binds declares session-port reservations to establish at startup,
	// before any client connects, instead of waiting for a dynamic
	// registration call.
	Binds []BindConfig `koanf:"binds"`
	// Siblings lists bus addresses of other daemons to dial proactively at
	// startup, rather than waiting for a JoinSession to discover them
	// on demand.
	Siblings []SiblingConfig `koanf:"siblings"`
}

// BindConfig declares one session-port reservation to install at startup
// via Controller.BindSessionPort.
type BindConfig struct {
	Host string `koanf:"host"`
	Port uint16 `koanf:"port"`
	Traffic string `koanf:"traffic"`
	Proximity string `koanf:"proximity"`
	Transports string `koanf:"transports"`
	IsMultipoint bool `koanf:"multipoint"`
}

// SiblingConfig declares one sibling daemon to connect to at startup via
// Controller.ConnectSibling.
type SiblingConfig struct {
	// BusAddr is the sibling's transport-specific dial address, e.g.
	// "tcp:addr=10.0.0.2:9955".
	BusAddr string `koanf:"bus_addr"`
	// Transports is a compatible-mask string, using wire.ParseTransport
	// conventions, e.g. "tcp".
	Transports string `koanf:"transports"`
}

// RPCConfig holds the ConnectRPC server configuration for both the
// client-facing bus service and the bus-to-bus link service.
type RPCConfig struct {
	// ClientAddr is the listen address for local client connections.
	ClientAddr string `koanf:"client_addr"`
	// B2BAddr is the listen address sibling daemons connect to.
	B2BAddr string `koanf:"b2b_addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level string `koanf:"level"`
	Format string `koanf:"format"`
}

// BusConfig holds the session-core defaults.
type BusConfig struct {
	// Guid is this daemon's short guid used to mint unique names. Empty
	// generates a random one at startup.
	Guid string `koanf:"guid"`
	// ExchangeNamesTimeoutMillis is loaded and validated but not passed to
	// the session core: JoinSession Stage C.2's wait for a remote host name
	// to become reachable uses the core's fixed 30 s deadline.
	ExchangeNamesTimeoutMillis uint32 `koanf:"exchange_names_timeout_ms"`
	// SessionFDTimeoutMillis is loaded and validated but not passed to the
	// session core: GetSessionFd's poll uses the core's fixed 5 s deadline.
	SessionFDTimeoutMillis uint32 `koanf:"session_fd_timeout_ms"`
}

// TransportConfig describes one transport plugin to load at startup.
type TransportConfig struct {
	// Kind selects the plugin implementation, e.g. "tcp", "local",
	// "bluetooth".
	Kind string `koanf:"kind"`
	// ListenAddr is the address this transport accepts inbound b2b
	// connections on, if applicable.
	ListenAddr string `koanf:"listen_addr"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
 RPC: RPCConfig{
 ClientAddr: ":0",
 B2BAddr: ":9955",
 },
 Metrics: MetricsConfig{
 Addr: ":9100",
 Path: "/metrics",
 },
 Log: LogConfig{
 Level: "info",
 Format: "json",
 },
 Bus: BusConfig{
 ExchangeNamesTimeoutMillis: 30000,
 SessionFDTimeoutMillis: 5000,
 },
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for busd configuration.
// Variables are named BUSD_<section>_<key>, e.g. BUSD_RPC_B2B_ADDR.
const envPrefix = "BUSD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (BUSD_ prefix), and merges on top of DefaultConfig.
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
 return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
 if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
 return nil, fmt.Errorf("load config from %s: %w", path, err)
 }
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
 return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
 return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
 return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms BUSD_RPC_B2B_ADDR -> rpc.b2b_addr. Strips the
// BUSD_ prefix, lowercases, and replaces only the first _ with . -- every
// key sits one section deep, and key names themselves contain underscores
// (b2b_addr, exchange_names_timeout_ms).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
 "rpc.client_addr": defaults.RPC.ClientAddr,
 "rpc.b2b_addr": defaults.RPC.B2BAddr,
 "metrics.addr": defaults.Metrics.Addr,
 "metrics.path": defaults.Metrics.Path,
 "log.level": defaults.Log.Level,
 "log.format": defaults.Log.Format,
 "bus.exchange_names_timeout_ms": defaults.Bus.ExchangeNamesTimeoutMillis,
 "bus.session_fd_timeout_ms": defaults.Bus.SessionFDTimeoutMillis,
	}

	for key, val := range defaultMap {
 if err := k.Set(key, val); err != nil {
 return fmt.Errorf("set default %s: %w", key, err)
 }
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	// ErrEmptyB2BAddr indicates the bus-to-bus listen address is empty.
	ErrEmptyB2BAddr = errors.New("rpc.b2b_addr must not be empty")

	// ErrInvalidExchangeNamesTimeout indicates a non-positive Stage C.2
	// wait deadline.
	ErrInvalidExchangeNamesTimeout = errors.New("bus.exchange_names_timeout_ms must be > 0")

	// ErrInvalidSessionFDTimeout indicates a non-positive GetSessionFd
	// poll deadline.
	ErrInvalidSessionFDTimeout = errors.New("bus.session_fd_timeout_ms must be > 0")

	// ErrUnknownTransportKind indicates a configured transport plugin has
	// an empty kind.
	ErrUnknownTransportKind = errors.New("transport kind is empty")

	// ErrEmptyBindHost indicates a declarative bind omitted the host.
	ErrEmptyBindHost = errors.New("binds: host must not be empty")

	// ErrEmptySiblingAddr indicates a declarative sibling omitted its
	// bus address.
	ErrEmptySiblingAddr = errors.New("siblings: bus_addr must not be empty")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.RPC.B2BAddr == "" {
 return ErrEmptyB2BAddr
	}
	if cfg.Bus.ExchangeNamesTimeoutMillis == 0 {
 return ErrInvalidExchangeNamesTimeout
	}
	if cfg.Bus.SessionFDTimeoutMillis == 0 {
 return ErrInvalidSessionFDTimeout
	}
	for i, t := range cfg.Transports {
 if t.Kind == "" {
 return fmt.Errorf("transports[%d]: %w", i, ErrUnknownTransportKind)
 }
	}
	for i, b := range cfg.Binds {
 if b.Host == "" {
 return fmt.Errorf("binds[%d]: %w", i, ErrEmptyBindHost)
 }
	}
	for i, s := range cfg.Siblings {
 if s.BusAddr == "" {
 return fmt.Errorf("siblings[%d]: %w", i, ErrEmptySiblingAddr)
 }
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
 return slog.LevelDebug
	case "info":
 return slog.LevelInfo
	case "warn":
 return slog.LevelWarn
	case "error":
 return slog.LevelError
	default:
 return slog.LevelInfo
	}
}
