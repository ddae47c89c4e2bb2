// Package config loads the facilitator configuration from an optional YAML
// file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling. Bare numbers
// are seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return parsed, nil
}

// Config captures the runtime configuration of the facilitator.
type Config struct {
	Port int `yaml:"port"`
	// PrivateKeys come from the environment only.
	PrivateKeys          []string                 `yaml:"-"`
	HookWhitelistEnabled bool                     `yaml:"hook_whitelist_enabled"`
	Networks             map[string]NetworkConfig `yaml:"networks"`
	GasPrice             GasPriceConfig           `yaml:"gas_price"`
	Queue                QueueConfig              `yaml:"queue"`
	Fee                  FeeConfig                `yaml:"fee"`
	GasLimit             GasLimitConfig           `yaml:"gas_limit"`
	PreValidationTimeout Duration                 `yaml:"prevalidation_timeout"`
	TokenPrice           TokenPriceConfig         `yaml:"token_price"`
	Settlement           SettlementConfig         `yaml:"settlement"`
	DatabaseURL          string                   `yaml:"database_url"`
	Log                  LogConfig                `yaml:"log"`
	ShutdownTimeout      Duration                 `yaml:"shutdown_timeout"`
}

// NetworkConfig describes one EVM network. Networks named like a built-in
// network inherit its chain id and asset.
type NetworkConfig struct {
	ChainID        int64       `yaml:"chain_id"`
	CAIP2          string      `yaml:"caip2"`
	RPCURL         string      `yaml:"rpc_url"`
	Asset          AssetConfig `yaml:"asset"`
	Routers        []string    `yaml:"routers"`
	Hooks          []string    `yaml:"hooks"`
	TransferHook   string      `yaml:"transfer_hook"`
	StaticGasPrice string      `yaml:"static_gas_price_wei"`
	MaxGasPrice    string      `yaml:"max_gas_price_wei"`
	// NativeTokenID is the price API id of the gas token.
	NativeTokenID  string `yaml:"native_token_id"`
	NativePriceUSD string `yaml:"native_price_usd"`
}

// AssetConfig overrides the network's default asset.
type AssetConfig struct {
	Address  string `yaml:"address"`
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Decimals int    `yaml:"decimals"`
}

// GasPriceConfig selects the oracle strategy.
type GasPriceConfig struct {
	Strategy       string   `yaml:"strategy"`
	CacheTTL       Duration `yaml:"cache_ttl"`
	UpdateInterval Duration `yaml:"update_interval"`
	RefreshTimeout Duration `yaml:"refresh_timeout"`
}

// QueueConfig sizes the account lanes.
type QueueConfig struct {
	MaxDepth   int      `yaml:"max_depth"`
	Selection  string   `yaml:"selection"`
	RetryAfter Duration `yaml:"retry_after"`
}

// FeeConfig holds the fee multipliers as plain ratios, 1.5 meaning 150%.
type FeeConfig struct {
	SafetyMultiplier float64  `yaml:"safety_multiplier"`
	Tolerance        float64  `yaml:"tolerance"`
	QuoteTTL         Duration `yaml:"quote_ttl"`
}

// GasLimitConfig bounds transaction gas limits.
type GasLimitConfig struct {
	Min                        uint64  `yaml:"min"`
	Max                        uint64  `yaml:"max"`
	ProfitMargin               float64 `yaml:"profit_margin"`
	EstimationSafetyMultiplier float64 `yaml:"estimation_safety_multiplier"`
}

// TokenPriceConfig points at the native token price API.
type TokenPriceConfig struct {
	APIURL            string   `yaml:"api_url"`
	APIKey            string   `yaml:"api_key"`
	CacheTTL          Duration `yaml:"cache_ttl"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// SettlementConfig tunes submission retries and confirmation polling.
type SettlementConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	ReceiptAttempts int      `yaml:"receipt_attempts"`
	ReceiptMinDelay Duration `yaml:"receipt_min_delay"`
	ReceiptMaxDelay Duration `yaml:"receipt_max_delay"`
	ConfirmTimeout  Duration `yaml:"confirm_timeout"`
}

// LogConfig selects log format, level and file.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:     3000,
		Networks: map[string]NetworkConfig{},
		GasPrice: GasPriceConfig{
			Strategy:       "hybrid",
			CacheTTL:       Duration{300 * time.Second},
			UpdateInterval: Duration{30 * time.Second},
			RefreshTimeout: Duration{2 * time.Second},
		},
		Queue: QueueConfig{
			MaxDepth:   10,
			Selection:  "round_robin",
			RetryAfter: Duration{5 * time.Second},
		},
		Fee: FeeConfig{
			SafetyMultiplier: 1.5,
			Tolerance:        0.1,
			QuoteTTL:         Duration{60 * time.Second},
		},
		GasLimit: GasLimitConfig{
			Min:                        150_000,
			Max:                        5_000_000,
			ProfitMargin:               0.2,
			EstimationSafetyMultiplier: 1.2,
		},
		PreValidationTimeout: Duration{5 * time.Second},
		TokenPrice: TokenPriceConfig{
			APIURL:            "https://api.coingecko.com/api/v3/simple/price",
			CacheTTL:          Duration{5 * time.Minute},
			RequestsPerSecond: 1,
		},
		Settlement: SettlementConfig{
			MaxAttempts:     5,
			BaseDelay:       Duration{500 * time.Millisecond},
			MaxDelay:        Duration{10 * time.Second},
			ReceiptAttempts: 60,
			ReceiptMinDelay: Duration{2 * time.Second},
			ReceiptMaxDelay: Duration{5 * time.Second},
			ConfirmTimeout:  Duration{2 * time.Minute},
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "terminal",
			MaxSizeMB: 100,
		},
		ShutdownTimeout: Duration{30 * time.Second},
	}
}

// Load reads envFile (ignored when missing), then the YAML file at path
// when set, then environment overrides, and validates the result.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks what can be checked without building components.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if len(c.PrivateKeys) == 0 {
		return errors.New("EVM_PRIVATE_KEYS or EVM_PRIVATE_KEY must be set")
	}
	if len(c.Networks) == 0 {
		return errors.New("no networks configured")
	}
	for name, n := range c.Networks {
		if err := n.validate(); err != nil {
			return fmt.Errorf("network %s: %w", name, err)
		}
	}
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue max depth must be at least 1")
	}
	if c.Fee.SafetyMultiplier < 1 {
		return fmt.Errorf("fee safety multiplier must be at least 1.0")
	}
	if c.Fee.Tolerance < 0 || c.Fee.Tolerance >= 1 {
		return fmt.Errorf("fee tolerance must be in [0, 1)")
	}
	if c.GasLimit.Min == 0 || c.GasLimit.Min > c.GasLimit.Max {
		return fmt.Errorf("gas limit bounds invalid: min %d, max %d", c.GasLimit.Min, c.GasLimit.Max)
	}
	if c.GasLimit.ProfitMargin < 0 || c.GasLimit.ProfitMargin >= 1 {
		return fmt.Errorf("gas limit profit margin must be in [0, 1)")
	}
	if c.GasLimit.EstimationSafetyMultiplier < 1 {
		return fmt.Errorf("gas estimation safety multiplier must be at least 1.0")
	}
	return nil
}

func (n NetworkConfig) validate() error {
	if len(n.Routers) == 0 {
		return errors.New("at least one settlement router is required")
	}
	for _, addr := range append(append([]string{n.TransferHook, n.Asset.Address}, n.Routers...), n.Hooks...) {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid address %q", addr)
		}
	}
	for _, wei := range []string{n.StaticGasPrice, n.MaxGasPrice} {
		if wei == "" {
			continue
		}
		if v, ok := new(big.Int).SetString(wei, 10); !ok || v.Sign() <= 0 {
			return fmt.Errorf("invalid gas price %q", wei)
		}
	}
	if n.NativePriceUSD != "" {
		if v, ok := new(big.Rat).SetString(n.NativePriceUSD); !ok || v.Sign() <= 0 {
			return fmt.Errorf("invalid native price %q", n.NativePriceUSD)
		}
	}
	return nil
}
