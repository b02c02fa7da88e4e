package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type ProtocolConfig struct {
	Owner           string `mapstructure:"owner"`
	Address         string `mapstructure:"address"`
	RewardsPool     string `mapstructure:"rewards_pool"`
	Escrow          string `mapstructure:"escrow"`
	EscrowToken     string `mapstructure:"escrow_token"`
	MinDurationDays int    `mapstructure:"min_duration_days"`
	MaxDurationDays int    `mapstructure:"max_duration_days"`
	GraceDays       int    `mapstructure:"grace_days"`
}

// Grace returns the liquidation grace window.
func (p ProtocolConfig) Grace() time.Duration {
	return time.Duration(p.GraceDays) * 24 * time.Hour
}

type StableConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// VaultConfig describes one collateral token. Address is the vault's
// custody account; Price is the Stable value of one whole token.
type VaultConfig struct {
	Token      string `mapstructure:"token"`
	Symbol     string `mapstructure:"symbol"`
	Address    string `mapstructure:"address"`
	Decimals   int32  `mapstructure:"decimals"`
	Price      string `mapstructure:"price"`
	FeeRate    int64  `mapstructure:"fee_rate"`
	FeeEnabled bool   `mapstructure:"fee_enabled"`
}

type AppConfig struct {
	ServiceName string         `mapstructure:"service_name"`
	Env         string         `mapstructure:"env"`
	LogLevel    string         `mapstructure:"log_level"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	DatabaseURL string         `mapstructure:"database_url"`
	RedisURL    string         `mapstructure:"redis_url"`
	CacheTTL    time.Duration  `mapstructure:"cache_ttl"`
	Protocol    ProtocolConfig `mapstructure:"protocol"`
	Stable      StableConfig   `mapstructure:"stable"`
	Vaults      []VaultConfig  `mapstructure:"vaults"`
}

// Load reads path (config.yaml when empty) and applies CDP_* environment
// overrides. A missing file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("CDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks addresses, duration bounds and vault parameters.
func (c *AppConfig) Validate() error {
	addrs := map[string]string{
		"protocol.owner":        c.Protocol.Owner,
		"protocol.address":      c.Protocol.Address,
		"protocol.rewards_pool": c.Protocol.RewardsPool,
		"stable.address":        c.Stable.Address,
	}
	if c.Protocol.Escrow != "" {
		addrs["protocol.escrow"] = c.Protocol.Escrow
	}
	if c.Protocol.EscrowToken != "" {
		addrs["protocol.escrow_token"] = c.Protocol.EscrowToken
	}
	for key, addr := range addrs {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("config: %s: invalid address %q", key, addr)
		}
	}

	p := c.Protocol
	if p.MinDurationDays <= 0 || p.MaxDurationDays < p.MinDurationDays {
		return fmt.Errorf("config: duration bounds [%d, %d]", p.MinDurationDays, p.MaxDurationDays)
	}
	if p.GraceDays < 0 {
		return fmt.Errorf("config: negative grace_days %d", p.GraceDays)
	}
	if c.Stable.Decimals <= 0 {
		return fmt.Errorf("config: stable.decimals must be positive")
	}

	seen := make(map[common.Address]bool)
	for i, vc := range c.Vaults {
		if !common.IsHexAddress(vc.Token) || !common.IsHexAddress(vc.Address) {
			return fmt.Errorf("config: vaults[%d]: invalid token or custody address", i)
		}
		tok := common.HexToAddress(vc.Token)
		if seen[tok] {
			return fmt.Errorf("config: vaults[%d]: duplicate token %s", i, tok.Hex())
		}
		seen[tok] = true
		if vc.Decimals <= 0 {
			return fmt.Errorf("config: vaults[%d]: decimals must be positive", i)
		}
		price, err := decimal.NewFromString(vc.Price)
		if err != nil || !price.IsPositive() {
			return fmt.Errorf("config: vaults[%d]: invalid price %q", i, vc.Price)
		}
		if vc.FeeRate < 0 || vc.FeeRate > 1000 {
			return fmt.Errorf("config: vaults[%d]: fee_rate %d outside [0, 1000]", i, vc.FeeRate)
		}
	}
	if c.Protocol.EscrowToken != "" && !seen[common.HexToAddress(c.Protocol.EscrowToken)] {
		return fmt.Errorf("config: protocol.escrow_token %s has no vault", c.Protocol.EscrowToken)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "cdp-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("protocol.owner", "0x0000000000000000000000000000000000000001")
	v.SetDefault("protocol.address", "0x0000000000000000000000000000000000000002")
	v.SetDefault("protocol.rewards_pool", "0x0000000000000000000000000000000000000003")
	v.SetDefault("protocol.escrow", "")
	v.SetDefault("protocol.escrow_token", "")
	v.SetDefault("protocol.min_duration_days", 30)
	v.SetDefault("protocol.max_duration_days", 120)
	v.SetDefault("protocol.grace_days", 7)
	v.SetDefault("stable.address", "0x0000000000000000000000000000000000005701")
	v.SetDefault("stable.decimals", 18)
}
