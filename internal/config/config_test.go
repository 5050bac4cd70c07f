package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"log/slog"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("Validate(DefaultConfig()) = %v, want nil", err)
	}
}

func TestValidateRejectsEmptyB2BAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RPC.B2BAddr = ""
	if err := Validate(cfg); !errors.Is(err, ErrEmptyB2BAddr) {
		t.Errorf("Validate() = %v, want ErrEmptyB2BAddr", err)
	}
}

func TestValidateRejectsZeroTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.ExchangeNamesTimeoutMillis = 0
	if err := Validate(cfg); !errors.Is(err, ErrInvalidExchangeNamesTimeout) {
		t.Errorf("Validate() = %v, want ErrInvalidExchangeNamesTimeout", err)
	}

	cfg = DefaultConfig()
	cfg.Bus.SessionFDTimeoutMillis = 0
	if err := Validate(cfg); !errors.Is(err, ErrInvalidSessionFDTimeout) {
		t.Errorf("Validate() = %v, want ErrInvalidSessionFDTimeout", err)
	}
}

func TestValidateRejectsIncompleteDeclarativeEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transports = []TransportConfig{{Kind: ""}}
	if err := Validate(cfg); !errors.Is(err, ErrUnknownTransportKind) {
		t.Errorf("Validate() = %v, want ErrUnknownTransportKind", err)
	}

	cfg = DefaultConfig()
	cfg.Binds = []BindConfig{{Host: ""}}
	if err := Validate(cfg); !errors.Is(err, ErrEmptyBindHost) {
		t.Errorf("Validate() = %v, want ErrEmptyBindHost", err)
	}

	cfg = DefaultConfig()
	cfg.Siblings = []SiblingConfig{{BusAddr: ""}}
	if err := Validate(cfg); !errors.Is(err, ErrEmptySiblingAddr) {
		t.Errorf("Validate() = %v, want ErrEmptySiblingAddr", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	yaml := "rpc:\n  b2b_addr: \":7000\"\nbus:\n  guid: \"deadbeef\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if cfg.RPC.B2BAddr != ":7000" {
		t.Errorf("RPC.B2BAddr = %q, want :7000", cfg.RPC.B2BAddr)
	}
	if cfg.Bus.Guid != "deadbeef" {
		t.Errorf("Bus.Guid = %q, want deadbeef", cfg.Bus.Guid)
	}
	// Fields the file didn't set keep the defaults' values.
	if cfg.Metrics.Addr != DefaultConfig().Metrics.Addr {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, DefaultConfig().Metrics.Addr)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	if err := os.WriteFile(path, []byte("rpc:\n  b2b_addr: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrEmptyB2BAddr) {
		t.Errorf("Load() = %v, want ErrEmptyB2BAddr", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info": slog.LevelInfo,
		"warn": slog.LevelWarn,
		"error": slog.LevelError,
		"": slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
