package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "cdp-engine" || cfg.HTTP.Port != 8080 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Protocol.MinDurationDays != 30 || cfg.Protocol.MaxDurationDays != 120 {
		t.Errorf("unexpected duration bounds %+v", cfg.Protocol)
	}
	if cfg.Protocol.Grace() != 7*24*time.Hour {
		t.Errorf("expected 7 day grace, got %s", cfg.Protocol.Grace())
	}
	if cfg.Stable.Decimals != 18 || cfg.CacheTTL != 30*time.Second {
		t.Errorf("unexpected stable/cache defaults %+v / %s", cfg.Stable, cfg.CacheTTL)
	}
	if len(cfg.Vaults) != 0 {
		t.Errorf("expected no vaults by default, got %d", len(cfg.Vaults))
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
env: prod
protocol:
  grace_days: 3
vaults:
  - token: "0x00000000000000000000000000000000000000c0"
    symbol: HEX
    address: "0x00000000000000000000000000000000000000cc"
    decimals: 8
    price: "0.05"
    fee_rate: 30
    fee_enabled: true
`)
	t.Setenv("CDP_HTTP_PORT", "9090")
	t.Setenv("CDP_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "prod" || cfg.Protocol.GraceDays != 3 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.HTTP.Port != 9090 || cfg.LogLevel != "debug" {
		t.Errorf("env overrides not applied: port %d level %s", cfg.HTTP.Port, cfg.LogLevel)
	}
	if len(cfg.Vaults) != 1 {
		t.Fatalf("expected one vault, got %d", len(cfg.Vaults))
	}
	v := cfg.Vaults[0]
	if v.Decimals != 8 || v.Price != "0.05" || v.FeeRate != 30 || !v.FeeEnabled {
		t.Errorf("unexpected vault %+v", v)
	}
}

func TestValidate(t *testing.T) {
	base := func() AppConfig {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		cfg.Vaults = []VaultConfig{{
			Token:    "0x00000000000000000000000000000000000000c0",
			Address:  "0x00000000000000000000000000000000000000cc",
			Decimals: 8,
			Price:    "1",
		}}
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"bad owner", func(c *AppConfig) { c.Protocol.Owner = "nope" }, "protocol.owner"},
		{"inverted bounds", func(c *AppConfig) { c.Protocol.MinDurationDays = 90; c.Protocol.MaxDurationDays = 30 }, "duration bounds"},
		{"negative grace", func(c *AppConfig) { c.Protocol.GraceDays = -1 }, "grace_days"},
		{"zero price", func(c *AppConfig) { c.Vaults[0].Price = "0" }, "invalid price"},
		{"fee too high", func(c *AppConfig) { c.Vaults[0].FeeRate = 1001 }, "fee_rate"},
		{"duplicate vault", func(c *AppConfig) { c.Vaults = append(c.Vaults, c.Vaults[0]) }, "duplicate"},
		{"escrow token without vault", func(c *AppConfig) {
			c.Protocol.EscrowToken = "0x00000000000000000000000000000000000000dd"
		}, "has no vault"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
