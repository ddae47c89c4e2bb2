package gasprice

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
)

type fakeReader struct {
	mu    sync.Mutex
	price *big.Int
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeReader) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.calls.Add(1)
	f.mu.Lock()
	price, err, delay := f.price, f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(price), nil
}

func (f *fakeReader) set(price int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = big.NewInt(price)
	f.err = err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const network x402x.Network = "base-sepolia"

func testConfig(strategy Strategy) Config {
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	cfg.Networks[network] = NetworkConfig{StaticPriceWei: big.NewInt(1_000_000_000)}
	return cfg
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Dynamic")
	require.NoError(t, err)
	assert.Equal(t, StrategyDynamic, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, s)

	_, err = ParseStrategy("oracle")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(StrategyHybrid)
	require.NoError(t, cfg.Validate())

	cfg.Networks["base"] = NetworkConfig{}
	assert.Error(t, cfg.Validate())

	cfg = testConfig(StrategyHybrid)
	cfg.Networks[network] = NetworkConfig{StaticPriceWei: big.NewInt(10), MaxPriceWei: big.NewInt(5)}
	assert.Error(t, cfg.Validate())
}

func TestStatic(t *testing.T) {
	oracle, err := New(testConfig(StrategyStatic), nil)
	require.NoError(t, err)

	q, err := oracle.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, q.Source)
	assert.Equal(t, int64(1_000_000_000), q.PriceWei.Int64())

	_, err = oracle.CurrentPrice(context.Background(), "base")
	se, ok := x402x.AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, x402x.KindConfiguration, se.Kind)
}

func TestDynamicClampsToMax(t *testing.T) {
	cfg := testConfig(StrategyDynamic)
	cfg.Networks[network] = NetworkConfig{StaticPriceWei: big.NewInt(1), MaxPriceWei: big.NewInt(50)}
	reader := &fakeReader{price: big.NewInt(80)}

	oracle, err := New(cfg, map[x402x.Network]PriceReader{network: reader})
	require.NoError(t, err)

	q, err := oracle.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceDynamic, q.Source)
	assert.Equal(t, int64(50), q.PriceWei.Int64())

	reader.set(0, errors.New("connection refused"))
	_, err = oracle.CurrentPrice(context.Background(), network)
	se, ok := x402x.AsSettlementError(err)
	require.True(t, ok)
	assert.Equal(t, x402x.KindRPC, se.Kind)
}

func TestHybridCachesUntilTTL(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reader := &fakeReader{price: big.NewInt(7)}
	h := NewHybrid(testConfig(StrategyHybrid), map[x402x.Network]PriceReader{network: reader}, WithClock(clk.Now))

	q, err := h.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceDynamic, q.Source)
	assert.Equal(t, int64(7), q.PriceWei.Int64())

	reader.set(9, nil)
	clk.Advance(299 * time.Second)
	q, err = h.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceCached, q.Source)
	assert.Equal(t, int64(7), q.PriceWei.Int64())
	assert.Equal(t, int32(1), reader.calls.Load())

	clk.Advance(time.Second)
	q, err = h.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceDynamic, q.Source)
	assert.Equal(t, int64(9), q.PriceWei.Int64())
}

func TestHybridFallsBackToStatic(t *testing.T) {
	reader := &fakeReader{err: errors.New("503")}
	h := NewHybrid(testConfig(StrategyHybrid), map[x402x.Network]PriceReader{network: reader})

	q, err := h.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, q.Source)
	assert.Equal(t, int64(1_000_000_000), q.PriceWei.Int64())
}

func TestHybridBoundsSlowRefresh(t *testing.T) {
	cfg := testConfig(StrategyHybrid)
	cfg.RefreshTimeout = 20 * time.Millisecond
	reader := &fakeReader{price: big.NewInt(7), delay: time.Second}
	h := NewHybrid(cfg, map[x402x.Network]PriceReader{network: reader})

	start := time.Now()
	q, err := h.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, q.Source)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHybridCoalescesRefreshes(t *testing.T) {
	reader := &fakeReader{price: big.NewInt(7), delay: 50 * time.Millisecond}
	h := NewHybrid(testConfig(StrategyHybrid), map[x402x.Network]PriceReader{network: reader})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := h.CurrentPrice(context.Background(), network)
			assert.NoError(t, err)
			assert.Equal(t, int64(7), q.PriceWei.Int64())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), reader.calls.Load())
}

func TestHybridBackgroundRefresh(t *testing.T) {
	cfg := testConfig(StrategyHybrid)
	cfg.UpdateInterval = 10 * time.Millisecond
	reader := &fakeReader{price: big.NewInt(7)}

	var observed atomic.Int32
	h := NewHybrid(cfg, map[x402x.Network]PriceReader{network: reader}, WithObserver(func(Quote) { observed.Add(1) }))
	require.NoError(t, h.Start(context.Background()))
	assert.Error(t, h.Start(context.Background()))

	require.Eventually(t, func() bool { return reader.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	h.Stop()

	calls := reader.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, reader.calls.Load(), "no refresh after Stop")

	q, err := h.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceCached, q.Source)
	assert.Equal(t, int32(1), observed.Load())
}

func TestHybridUnconfiguredNetwork(t *testing.T) {
	h := NewHybrid(testConfig(StrategyHybrid), nil)
	_, err := h.CurrentPrice(context.Background(), "base")
	assert.Error(t, err)

	q, err := h.CurrentPrice(context.Background(), network)
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, q.Source, "no reader means static")
}
