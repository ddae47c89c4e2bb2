// Package gasprice provides the gas price used to size fees and to price
// settlement transactions.
package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	x402x "github.com/x402x/facilitator"
)

// Source tells where a quote came from.
type Source string

const (
	SourceStatic  Source = "static"
	SourceDynamic Source = "dynamic"
	SourceCached  Source = "cached"
)

// Strategy selects an Oracle implementation.
type Strategy string

const (
	StrategyStatic  Strategy = "static"
	StrategyDynamic Strategy = "dynamic"
	StrategyHybrid  Strategy = "hybrid"
)

// ParseStrategy accepts static, dynamic or hybrid in any case.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyStatic:
		return StrategyStatic, nil
	case StrategyDynamic:
		return StrategyDynamic, nil
	case StrategyHybrid, "":
		return StrategyHybrid, nil
	}
	return "", fmt.Errorf("unknown gas price strategy %q", s)
}

// Quote is a gas price observation for one network.
type Quote struct {
	Network   x402x.Network
	PriceWei  *big.Int
	Source    Source
	FetchedAt time.Time
	TTL       time.Duration
}

// Oracle returns the current gas price of a network.
type Oracle interface {
	CurrentPrice(ctx context.Context, network x402x.Network) (Quote, error)
}

// PriceReader is the node call behind dynamic prices; *ethclient.Client
// satisfies it.
type PriceReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// NetworkConfig holds the per-network price settings.
type NetworkConfig struct {
	// StaticPriceWei is used by the static strategy and as the fallback.
	StaticPriceWei *big.Int
	// MaxPriceWei clamps dynamic readings when set.
	MaxPriceWei *big.Int
}

// Config is shared by every strategy.
type Config struct {
	Strategy       Strategy
	CacheTTL       time.Duration
	UpdateInterval time.Duration
	RefreshTimeout time.Duration
	Networks       map[x402x.Network]NetworkConfig
}

// DefaultConfig returns a hybrid configuration with no networks.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyHybrid,
		CacheTTL:       300 * time.Second,
		UpdateInterval: 30 * time.Second,
		RefreshTimeout: 2 * time.Second,
		Networks:       make(map[x402x.Network]NetworkConfig),
	}
}

// Validate checks durations and static prices.
func (c Config) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("gas price cache ttl must be positive")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("gas price update interval must be positive")
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("gas price refresh timeout must be positive")
	}
	for network, n := range c.Networks {
		if n.StaticPriceWei == nil || n.StaticPriceWei.Sign() <= 0 {
			return fmt.Errorf("network %s has no static gas price", network)
		}
		if n.MaxPriceWei != nil && n.MaxPriceWei.Cmp(n.StaticPriceWei) < 0 {
			return fmt.Errorf("network %s max gas price is below its static price", network)
		}
	}
	return nil
}

// Option configures an oracle.
type Option func(*options)

type options struct {
	logger  log.Logger
	now     func() time.Time
	observe func(Quote)
}

// WithLogger sets the oracle logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithObserver is called with every quote handed out.
func WithObserver(fn func(Quote)) Option {
	return func(o *options) {
		o.observe = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: log.New("component", "gasprice"), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the oracle selected by cfg.Strategy. Hybrid oracles must be
// started separately.
func New(cfg Config, readers map[x402x.Network]PriceReader, opts ...Option) (Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StrategyStatic:
		return NewStatic(cfg, opts...), nil
	case StrategyDynamic:
		return NewDynamic(cfg, readers, opts...), nil
	case StrategyHybrid, "":
		return NewHybrid(cfg, readers, opts...), nil
	}
	return nil, fmt.Errorf("unknown gas price strategy %q", cfg.Strategy)
}

func networkNotConfigured(network x402x.Network) error {
	return x402x.NewSettlementError(x402x.KindConfiguration, x402x.ReasonNetworkNotConfigured,
		fmt.Sprintf("no gas price configuration for %s", network))
}

// Static always returns the configured price.
type Static struct {
	cfg  Config
	opts options
}

// NewStatic creates a static oracle.
func NewStatic(cfg Config, opts ...Option) *Static {
	return &Static{cfg: cfg, opts: buildOptions(opts)}
}

func (s *Static) CurrentPrice(ctx context.Context, network x402x.Network) (Quote, error) {
	n, ok := s.cfg.Networks[network]
	if !ok {
		return Quote{}, networkNotConfigured(network)
	}
	q := staticQuote(network, n, s.opts.now())
	if s.opts.observe != nil {
		s.opts.observe(q)
	}
	return q, nil
}

func staticQuote(network x402x.Network, n NetworkConfig, now time.Time) Quote {
	return Quote{
		Network:   network,
		PriceWei:  new(big.Int).Set(n.StaticPriceWei),
		Source:    SourceStatic,
		FetchedAt: now,
	}
}

// Dynamic asks the node on every call.
type Dynamic struct {
	cfg     Config
	readers map[x402x.Network]PriceReader
	opts    options
}

// NewDynamic creates a dynamic oracle.
func NewDynamic(cfg Config, readers map[x402x.Network]PriceReader, opts ...Option) *Dynamic {
	return &Dynamic{cfg: cfg, readers: readers, opts: buildOptions(opts)}
}

func (d *Dynamic) CurrentPrice(ctx context.Context, network x402x.Network) (Quote, error) {
	q, err := fetch(ctx, d.cfg, d.readers, network, d.opts.now)
	if err != nil {
		return Quote{}, err
	}
	if d.opts.observe != nil {
		d.opts.observe(q)
	}
	return q, nil
}

func fetch(ctx context.Context, cfg Config, readers map[x402x.Network]PriceReader, network x402x.Network, now func() time.Time) (Quote, error) {
	n, ok := cfg.Networks[network]
	if !ok {
		return Quote{}, networkNotConfigured(network)
	}
	reader, ok := readers[network]
	if !ok || reader == nil {
		return Quote{}, networkNotConfigured(network)
	}
	price, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return Quote{}, x402x.WrapSettlementError(x402x.KindRPC, x402x.ReasonRPCError,
			fmt.Errorf("eth_gasPrice on %s: %w", network, err))
	}
	if price == nil || price.Sign() <= 0 {
		return Quote{}, x402x.NewSettlementError(x402x.KindRPC, x402x.ReasonRPCError,
			fmt.Sprintf("node returned gas price %v on %s", price, network))
	}
	if n.MaxPriceWei != nil && price.Cmp(n.MaxPriceWei) > 0 {
		price = new(big.Int).Set(n.MaxPriceWei)
	}
	return Quote{
		Network:   network,
		PriceWei:  price,
		Source:    SourceDynamic,
		FetchedAt: now(),
		TTL:       cfg.CacheTTL,
	}, nil
}
