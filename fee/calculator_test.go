package fee

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/gasprice"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/mechanisms/evm/evmtest"
)

type mutableFeed struct {
	mu    sync.Mutex
	price *big.Rat
	calls int
}

func (f *mutableFeed) NativePriceUSD(ctx context.Context, network x402x.Network) (*big.Rat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return new(big.Rat).Set(f.price), nil
}

func (f *mutableFeed) set(price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = big.NewRat(price, 1)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newCalculator prices gas at 1 gwei and ETH at $3000.
func newCalculator(t *testing.T, opts ...CalculatorOption) (*Calculator, *mutableFeed) {
	t.Helper()
	gasCfg := gasprice.DefaultConfig()
	gasCfg.Strategy = gasprice.StrategyStatic
	gasCfg.Networks["base-sepolia"] = gasprice.NetworkConfig{StaticPriceWei: big.NewInt(1_000_000_000)}
	gasCfg.Networks["base"] = gasprice.NetworkConfig{StaticPriceWei: big.NewInt(1_000_000_000)}

	feed := &mutableFeed{price: big.NewRat(3000, 1)}
	calc, err := NewCalculator(DefaultConfig(), evmtest.Networks(t), gasprice.NewStatic(gasCfg), feed, opts...)
	require.NoError(t, err)
	return calc, feed
}

func transferHookData(t *testing.T, n int) []byte {
	t.Helper()
	splits := make([]evm.Split, n)
	for i := range splits {
		splits[i] = evm.Split{Recipient: common.BigToAddress(big.NewInt(int64(i + 1))), Bips: uint16(evm.MaxBips / n)}
	}
	data, err := evm.EncodeTransferSplits(splits)
	require.NoError(t, err)
	return data
}

func TestCalculateMinFee(t *testing.T) {
	calc, _ := newCalculator(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		hook     common.Address
		hookData []byte
		gas      uint64
		minFee   int64
	}{
		// 150000 gas * 1 gwei * $3000 * 1.5 = $0.675
		{name: "no hook", gas: 150_000, minFee: 675_000},
		// 230000 gas = $1.035
		{name: "transfer hook one split", hook: evmtest.TransferHook, hookData: transferHookData(t, 1), gas: 230_000, minFee: 1_035_000},
		{name: "transfer hook three splits", hook: evmtest.TransferHook, hookData: transferHookData(t, 3), gas: 290_000, minFee: 1_305_000},
		{name: "custom hook", hook: evmtest.CustomHook, hookData: []byte{0x01}, gas: 350_000, minFee: 1_575_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := calc.CalculateMinFee(ctx, "base-sepolia", tt.hook, tt.hookData)
			require.NoError(t, err)
			assert.Equal(t, tt.gas, q.Breakdown.GasLimit)
			assert.Equal(t, tt.minFee, q.MinFacilitatorFee.Int64())
			assert.Equal(t, 60, q.ValiditySeconds)
			assert.Equal(t, gasprice.SourceStatic, q.Breakdown.GasPriceSource)
		})
	}
}

func TestCalculateMinFeeRoundsUp(t *testing.T) {
	calc, feed := newCalculator(t)
	// 0.00015 ETH at $0.70, 1.5x, in 6 decimals: 157.5 -> 158
	feed.mu.Lock()
	feed.price = big.NewRat(7, 10)
	feed.mu.Unlock()
	q, err := calc.CalculateMinFee(context.Background(), "base", common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(158), q.MinFacilitatorFee.Int64())
}

func TestCalculateMinFeeCachesQuotes(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	calc, feed := newCalculator(t, WithClock(clk.Now))
	ctx := context.Background()

	first, err := calc.CalculateMinFee(ctx, "base-sepolia", common.Address{}, nil)
	require.NoError(t, err)

	feed.set(6000)
	clk.Advance(59 * time.Second)
	cached, err := calc.CalculateMinFee(ctx, "eip155:84532", common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.MinFacilitatorFee, cached.MinFacilitatorFee, "CAIP-2 alias shares the cache entry")

	other, err := calc.CalculateMinFee(ctx, "base-sepolia", evmtest.CustomHook, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3_150_000), other.MinFacilitatorFee.Int64(), "different hook is priced fresh")

	clk.Advance(time.Second)
	fresh, err := calc.CalculateMinFee(ctx, "base-sepolia", common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1_350_000), fresh.MinFacilitatorFee.Int64())
}

func TestCalculateMinFeeErrors(t *testing.T) {
	calc, _ := newCalculator(t)
	ctx := context.Background()

	_, err := calc.CalculateMinFee(ctx, "polygon", common.Address{}, nil)
	assert.Equal(t, x402x.ReasonNetworkNotConfigured, x402x.ReasonOf(err))

	_, err = calc.CalculateMinFee(ctx, "base-sepolia", evmtest.TransferHook, []byte{0x01, 0x02})
	assert.Equal(t, x402x.ReasonInvalidHookData, x402x.ReasonOf(err))
}

func TestValidateFeeInsufficientOnBaseSepoliaTransferHook(t *testing.T) {
	calc, _ := newCalculator(t)
	data := transferHookData(t, 1)

	q, err := calc.CalculateMinFee(context.Background(), "base-sepolia", evmtest.TransferHook, data)
	require.NoError(t, err)

	// 15% below the minimum is outside the 10% tolerance
	provided := new(big.Int).Mul(q.MinFacilitatorFee, big.NewInt(85))
	provided.Quo(provided, big.NewInt(100))

	_, err = calc.ValidateFee(context.Background(), provided, "base-sepolia", evmtest.TransferHook, data)
	se, ok := x402x.AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, x402x.KindInsufficientFee, se.Kind)
	assert.Equal(t, x402x.ReasonInsufficientFee, se.Reason)
	assert.Equal(t, q.MinFacilitatorFee, se.MinFee)
}

func TestValidateFeeToleranceBoundary(t *testing.T) {
	calc, _ := newCalculator(t)
	ctx := context.Background()
	data := transferHookData(t, 1)

	// min 1035000, threshold ceil(1035000 * 0.9) = 931500
	assert.Equal(t, int64(931_500), calc.Threshold(big.NewInt(1_035_000)).Int64())
	assert.Equal(t, int64(91), calc.Threshold(big.NewInt(101)).Int64(), "threshold rounds up")

	_, err := calc.ValidateFee(ctx, big.NewInt(931_500), "base-sepolia", evmtest.TransferHook, data)
	assert.NoError(t, err)
	_, err = calc.ValidateFee(ctx, big.NewInt(931_499), "base-sepolia", evmtest.TransferHook, data)
	assert.Equal(t, x402x.ReasonInsufficientFee, x402x.ReasonOf(err))
	_, err = calc.ValidateFee(ctx, big.NewInt(5_000_000), "base-sepolia", evmtest.TransferHook, data)
	assert.NoError(t, err)
	_, err = calc.ValidateFee(ctx, nil, "base-sepolia", evmtest.TransferHook, data)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SafetyMultiplierBps = 9_000
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ToleranceBps = BpsDenominator
	assert.Error(t, cfg.Validate())
}

func TestTokenAmountToWei(t *testing.T) {
	// 3 USDC at $3000/ETH is 0.001 ETH
	wei := TokenAmountToWei(big.NewInt(3_000_000), 6, big.NewRat(3000, 1))
	assert.Equal(t, "1000000000000000", wei.String())

	assert.Nil(t, TokenAmountToWei(big.NewInt(1), 6, big.NewRat(0, 1)))
}
