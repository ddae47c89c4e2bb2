package fee

import (
	"fmt"
	"math"
	"math/big"
)

// GasLimitConfig bounds the gas limit of settlement transactions.
type GasLimitConfig struct {
	MinGasLimit uint64
	MaxGasLimit uint64
	// ProfitMarginBps is kept out of the fee when deriving a ceiling.
	ProfitMarginBps uint64
	// EstimationSafetyBps pads simulated estimates, 12000 is 1.2x.
	EstimationSafetyBps uint64
}

// DefaultGasLimitConfig returns 150k to 5M with a 20% margin and 1.2x
// estimation padding.
func DefaultGasLimitConfig() GasLimitConfig {
	return GasLimitConfig{
		MinGasLimit:         150_000,
		MaxGasLimit:         5_000_000,
		ProfitMarginBps:     2_000,
		EstimationSafetyBps: 12_000,
	}
}

// Validate checks the bounds.
func (c GasLimitConfig) Validate() error {
	if c.MinGasLimit == 0 {
		return fmt.Errorf("min gas limit must be positive")
	}
	if c.MinGasLimit > c.MaxGasLimit {
		return fmt.Errorf("min gas limit %d exceeds max gas limit %d", c.MinGasLimit, c.MaxGasLimit)
	}
	if c.ProfitMarginBps >= BpsDenominator {
		return fmt.Errorf("gas limit profit margin must be below 100%%")
	}
	if c.EstimationSafetyBps < BpsDenominator {
		return fmt.Errorf("gas estimation safety multiplier must be at least 1.0")
	}
	return nil
}

// GasLimitInput carries what is known about one settlement.
type GasLimitInput struct {
	// EstimatedGas is the simulated gas, 0 when no simulation ran.
	EstimatedGas uint64
	// StaticEstimate is the calculator's gas model.
	StaticEstimate uint64
	// FeeWei is the facilitator fee converted to wei, nil when unknown.
	FeeWei      *big.Int
	GasPriceWei *big.Int
}

// GasLimitPolicy turns estimates into a bounded gas limit.
type GasLimitPolicy struct {
	cfg GasLimitConfig
}

// NewGasLimitPolicy validates cfg and returns a policy.
func NewGasLimitPolicy(cfg GasLimitConfig) (*GasLimitPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &GasLimitPolicy{cfg: cfg}, nil
}

// Compute returns max(min, min(max, feeCeiling, candidate)). The result is
// always within [MinGasLimit, MaxGasLimit].
func (p *GasLimitPolicy) Compute(in GasLimitInput) uint64 {
	limit := p.cfg.MaxGasLimit

	candidate := in.StaticEstimate
	if in.EstimatedGas > 0 {
		candidate = scaleBps(in.EstimatedGas, p.cfg.EstimationSafetyBps)
	}
	if candidate > 0 && candidate < limit {
		limit = candidate
	}
	if ceiling, ok := p.feeCeiling(in); ok && ceiling < limit {
		limit = ceiling
	}
	if limit < p.cfg.MinGasLimit {
		limit = p.cfg.MinGasLimit
	}
	return limit
}

// feeCeiling is the gas the fee pays for after the profit margin.
func (p *GasLimitPolicy) feeCeiling(in GasLimitInput) (uint64, bool) {
	if in.FeeWei == nil || in.FeeWei.Sign() <= 0 || in.GasPriceWei == nil || in.GasPriceWei.Sign() <= 0 {
		return 0, false
	}
	budget := new(big.Int).Mul(in.FeeWei, big.NewInt(int64(BpsDenominator-p.cfg.ProfitMarginBps)))
	budget.Quo(budget, big.NewInt(BpsDenominator))
	gas := budget.Quo(budget, in.GasPriceWei)
	if !gas.IsUint64() {
		return math.MaxUint64, true
	}
	return gas.Uint64(), true
}

func scaleBps(v, bps uint64) uint64 {
	n := new(big.Int).Mul(new(big.Int).SetUint64(v), new(big.Int).SetUint64(bps))
	n.Quo(n, big.NewInt(BpsDenominator))
	if !n.IsUint64() {
		return math.MaxUint64
	}
	return n.Uint64()
}
