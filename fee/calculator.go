// Package fee computes the minimum facilitator fee for a settlement and the
// gas limit the facilitator is willing to spend on it.
package fee

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/gasprice"
	"github.com/x402x/facilitator/mechanisms/evm"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Config holds the gas model and the fee multipliers.
type Config struct {
	BaseSettlementGas      uint64
	BuiltinHookBaseGas     uint64
	BuiltinHookPerSplitGas uint64
	CustomHookGas          uint64
	// SafetyMultiplierBps scales the raw cost, 15000 is 1.5x.
	SafetyMultiplierBps uint64
	// ToleranceBps is how far below the minimum a provided fee may be.
	ToleranceBps uint64
	QuoteTTL     time.Duration
}

// DefaultConfig returns the standard gas model, a 1.5x safety multiplier
// and 10% tolerance.
func DefaultConfig() Config {
	return Config{
		BaseSettlementGas:      150_000,
		BuiltinHookBaseGas:     50_000,
		BuiltinHookPerSplitGas: 30_000,
		CustomHookGas:          200_000,
		SafetyMultiplierBps:    15_000,
		ToleranceBps:           1_000,
		QuoteTTL:               60 * time.Second,
	}
}

// Validate checks the multipliers.
func (c Config) Validate() error {
	if c.BaseSettlementGas == 0 {
		return fmt.Errorf("base settlement gas must be positive")
	}
	if c.SafetyMultiplierBps < BpsDenominator {
		return fmt.Errorf("fee safety multiplier must be at least 1.0, got %d bps", c.SafetyMultiplierBps)
	}
	if c.ToleranceBps >= BpsDenominator {
		return fmt.Errorf("fee tolerance must be below 100%%, got %d bps", c.ToleranceBps)
	}
	if c.QuoteTTL <= 0 {
		return fmt.Errorf("fee quote ttl must be positive")
	}
	return nil
}

// Breakdown explains how a minimum fee was derived.
type Breakdown struct {
	GasLimit            uint64
	GasPriceWei         *big.Int
	GasPriceSource      gasprice.Source
	NativeCostWei       *big.Int
	NativePriceUSD      *big.Rat
	CostUSD             *big.Rat
	SafetyMultiplierBps uint64
}

// Quote is the minimum fee for one (network, hook, hookData) combination.
type Quote struct {
	Network           x402x.Network
	Hook              common.Address
	HookDataHash      common.Hash
	Decimals          int
	MinFacilitatorFee *big.Int
	// MinFacilitatorFeeUSD is the minimum before rounding to token units.
	MinFacilitatorFeeUSD *big.Rat
	Breakdown            Breakdown
	CalculatedAt         time.Time
	ValiditySeconds      int
}

func (q Quote) expired(now time.Time) bool {
	return now.Sub(q.CalculatedAt) >= time.Duration(q.ValiditySeconds)*time.Second
}

type quoteTable map[string]Quote

// Calculator prices settlements. Quotes are cached for Config.QuoteTTL and
// read without locking.
type Calculator struct {
	cfg      Config
	networks *evm.Networks
	oracle   gasprice.Oracle
	feed     TokenPriceFeed
	now      func() time.Time
	logger   log.Logger

	quotes  atomic.Pointer[quoteTable]
	writeMu sync.Mutex
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CalculatorOption {
	return func(c *Calculator) {
		c.now = now
	}
}

// WithLogger sets the calculator logger.
func WithLogger(logger log.Logger) CalculatorOption {
	return func(c *Calculator) {
		c.logger = logger
	}
}

// NewCalculator creates a calculator.
func NewCalculator(cfg Config, networks *evm.Networks, oracle gasprice.Oracle, feed TokenPriceFeed, opts ...CalculatorOption) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Calculator{
		cfg:      cfg,
		networks: networks,
		oracle:   oracle,
		feed:     feed,
		now:      time.Now,
		logger:   log.New("component", "fee"),
	}
	for _, opt := range opts {
		opt(c)
	}
	empty := quoteTable{}
	c.quotes.Store(&empty)
	return c, nil
}

// Config returns the calculator configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// EstimateGas returns the static gas model for a hook call.
func (c *Calculator) EstimateGas(call evm.HookCall) uint64 {
	gas := c.cfg.BaseSettlementGas
	switch h := call.(type) {
	case evm.BuiltinTransfer:
		gas += c.cfg.BuiltinHookBaseGas + c.cfg.BuiltinHookPerSplitGas*uint64(len(h.Splits))
	case evm.CustomHook:
		gas += c.cfg.CustomHookGas
	}
	return gas
}

func quoteKey(network x402x.Network, hook common.Address, dataHash common.Hash) string {
	return strings.ToLower(fmt.Sprintf("%s|%s|%s", network, hook.Hex(), dataHash.Hex()))
}

// CalculateMinFee returns the minimum facilitator fee, in units of the
// network's default asset, for settling with the given hook.
func (c *Calculator) CalculateMinFee(ctx context.Context, network x402x.Network, hook common.Address, hookData []byte) (Quote, error) {
	cfg, ok := c.networks.Lookup(network)
	if !ok {
		return Quote{}, x402x.NewSettlementError(x402x.KindWhitelist, x402x.ReasonNetworkNotConfigured,
			fmt.Sprintf("network %s is not configured", network))
	}
	call, err := evm.ClassifyHook(hook, hookData, cfg.TransferHook)
	if err != nil {
		return Quote{}, x402x.WrapSettlementError(x402x.KindValidation, x402x.ReasonInvalidHookData, err)
	}

	dataHash := crypto.Keccak256Hash(hookData)
	key := quoteKey(cfg.Name, hook, dataHash)
	now := c.now()
	if q, ok := (*c.quotes.Load())[key]; ok && !q.expired(now) {
		return q, nil
	}

	gasQuote, err := c.oracle.CurrentPrice(ctx, cfg.Name)
	if err != nil {
		return Quote{}, err
	}
	nativeUSD, err := c.feed.NativePriceUSD(ctx, cfg.Name)
	if err != nil {
		return Quote{}, err
	}

	gasLimit := c.EstimateGas(call)
	costWei := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasQuote.PriceWei)
	costUSD := new(big.Rat).SetFrac(costWei, weiPerEther)
	costUSD.Mul(costUSD, nativeUSD)

	minUSD := new(big.Rat).Mul(costUSD, big.NewRat(int64(c.cfg.SafetyMultiplierBps), BpsDenominator))
	decimals := cfg.DefaultAsset.Decimals
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	minFee := ceilRat(new(big.Rat).Mul(minUSD, new(big.Rat).SetInt(unit)))

	q := Quote{
		Network:              cfg.Name,
		Hook:                 hook,
		HookDataHash:         dataHash,
		Decimals:             decimals,
		MinFacilitatorFee:    minFee,
		MinFacilitatorFeeUSD: minUSD,
		Breakdown: Breakdown{
			GasLimit:            gasLimit,
			GasPriceWei:         gasQuote.PriceWei,
			GasPriceSource:      gasQuote.Source,
			NativeCostWei:       costWei,
			NativePriceUSD:      nativeUSD,
			CostUSD:             costUSD,
			SafetyMultiplierBps: c.cfg.SafetyMultiplierBps,
		},
		CalculatedAt:    now,
		ValiditySeconds: int(c.cfg.QuoteTTL / time.Second),
	}
	c.store(key, q, now)
	return q, nil
}

func (c *Calculator) store(key string, q Quote, now time.Time) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	old := *c.quotes.Load()
	next := make(quoteTable, len(old)+1)
	for k, v := range old {
		if !v.expired(now) {
			next[k] = v
		}
	}
	next[key] = q
	c.quotes.Store(&next)
}

// Threshold is the lowest fee accepted against minFee.
func (c *Calculator) Threshold(minFee *big.Int) *big.Int {
	n := new(big.Int).Mul(minFee, big.NewInt(int64(BpsDenominator-c.cfg.ToleranceBps)))
	return ceilDiv(n, big.NewInt(BpsDenominator))
}

// ValidateFee rejects a provided fee below the minimum less tolerance. The
// quote is returned in both cases.
func (c *Calculator) ValidateFee(ctx context.Context, provided *big.Int, network x402x.Network, hook common.Address, hookData []byte) (Quote, error) {
	q, err := c.CalculateMinFee(ctx, network, hook, hookData)
	if err != nil {
		return Quote{}, err
	}
	threshold := c.Threshold(q.MinFacilitatorFee)
	if provided == nil || provided.Cmp(threshold) < 0 {
		return q, &x402x.SettlementError{
			Kind:    x402x.KindInsufficientFee,
			Reason:  x402x.ReasonInsufficientFee,
			Message: fmt.Sprintf("facilitator fee %v below minimum %s", provided, q.MinFacilitatorFee),
			MinFee:  new(big.Int).Set(q.MinFacilitatorFee),
		}
	}
	return q, nil
}

// TokenAmountToWei converts a token amount with the given decimals into the
// native token at nativeUSD per whole native token. Tokens are assumed to be
// USD-denominated.
func TokenAmountToWei(amount *big.Int, decimals int, nativeUSD *big.Rat) *big.Int {
	if amount == nil || nativeUSD == nil || nativeUSD.Sign() <= 0 {
		return nil
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	usd := new(big.Rat).SetFrac(amount, unit)
	wei := new(big.Rat).Quo(usd, nativeUSD)
	wei.Mul(wei, new(big.Rat).SetInt(weiPerEther))
	return new(big.Int).Quo(wei.Num(), wei.Denom())
}

func ceilRat(r *big.Rat) *big.Int {
	return ceilDiv(new(big.Int).Set(r.Num()), r.Denom())
}

// ceilDiv rounds a non-negative quotient up.
func ceilDiv(n, d *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(n, d, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
