package accountpool

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

type fakeSigner common.Address

func (s fakeSigner) Address() common.Address { return common.Address(s) }

func (s fakeSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func signers(n int) []Signer {
	out := make([]Signer, n)
	for i := range out {
		out[i] = fakeSigner(common.BigToAddress(big.NewInt(int64(i + 1))))
	}
	return out
}

// gatedExecutor blocks every entry until release is closed and records
// the order entries ran in per account.
type gatedExecutor struct {
	release chan struct{}
	mu      sync.Mutex
	order   map[common.Address][]string
	started atomic.Int32
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{release: make(chan struct{}), order: make(map[common.Address][]string)}
}

func (g *gatedExecutor) Execute(ctx context.Context, entry *QueueEntry) x402x.SettlementResult {
	g.started.Add(1)
	g.mu.Lock()
	g.order[entry.Account().Address()] = append(g.order[entry.Account().Address()], entry.ID)
	g.mu.Unlock()

	_ = entry.Transition(StateValidating)
	select {
	case <-g.release:
	case <-ctx.Done():
		return x402x.SettlementResult{Success: false, ErrorReason: x402x.ReasonFacilitatorShuttingDown, Err: ctx.Err()}
	}
	_ = entry.Transition(StateExecuting)
	_ = entry.Transition(StateConfirming)
	return x402x.SettlementResult{Success: true, Transaction: "0xabc", Network: entry.Request.Network.Name}
}

var network = &evm.NetworkConfig{Name: "base-sepolia", ChainID: big.NewInt(84532)}

func request(i int) *evm.SettlementRequest {
	return &evm.SettlementRequest{
		Network:       network,
		Authorization: evm.Authorization{From: common.BigToAddress(big.NewInt(int64(1000 + i)))},
	}
}

func newPool(t *testing.T, accounts, depth int, exec Executor, opts ...Option) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxQueueDepth = depth
	pool, err := New("base-sepolia", signers(accounts), exec, cfg, opts...)
	require.NoError(t, err)
	return pool
}

func isOverload(err error) bool {
	se, ok := x402x.AsSettlementError(err)
	return ok && se.Kind == x402x.KindOverload && se.Reason == x402x.ReasonOverloaded
}

func TestTwoAccountsDepthOneRejectExactlyOne(t *testing.T) {
	exec := newGatedExecutor()
	pool := newPool(t, 2, 1, exec)

	var wg sync.WaitGroup
	var admitted, overloaded atomic.Int32
	entries := make(chan *QueueEntry, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := pool.Submit(request(i), nil)
			switch {
			case err == nil:
				admitted.Add(1)
				entries <- entry
			case isOverload(err):
				overloaded.Add(1)
				se, _ := x402x.AsSettlementError(err)
				assert.Equal(t, 5*time.Second, se.RetryAfter)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(entries)

	assert.Equal(t, int32(2), admitted.Load())
	assert.Equal(t, int32(1), overloaded.Load())

	accounts := map[common.Address]bool{}
	close(exec.release)
	for entry := range entries {
		accounts[entry.Account().Address()] = true
		result := <-entry.Done()
		assert.True(t, result.Success)
		assert.Equal(t, StateSettled, entry.State())
	}
	assert.Len(t, accounts, 2, "each account took one entry")
	require.NoError(t, pool.Close(context.Background()))
}

func TestQueueBoundRejectsNPlusOne(t *testing.T) {
	exec := newGatedExecutor()
	pool := newPool(t, 1, 3, exec)

	for i := 0; i < 3; i++ {
		_, err := pool.Submit(request(i), nil)
		require.NoError(t, err)
	}
	_, err := pool.Submit(request(3), nil)
	assert.True(t, isOverload(err), "got %v", err)
	assert.Equal(t, 3, pool.Accounts()[0].Pending())

	close(exec.release)
	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, 0, pool.Accounts()[0].Pending())
}

func TestCapacityFreesAfterCompletion(t *testing.T) {
	exec := newGatedExecutor()
	pool := newPool(t, 1, 1, exec)

	entry, err := pool.Submit(request(0), nil)
	require.NoError(t, err)
	_, err = pool.Submit(request(1), nil)
	require.True(t, isOverload(err))

	close(exec.release)
	<-entry.Done()
	require.Eventually(t, func() bool { return pool.Accounts()[0].Pending() == 0 }, time.Second, time.Millisecond)

	_, err = pool.Submit(request(2), nil)
	assert.NoError(t, err)
	require.NoError(t, pool.Close(context.Background()))
}

func TestFIFOPerAccount(t *testing.T) {
	exec := newGatedExecutor()
	pool := newPool(t, 1, 5, exec)

	var ids []string
	var entries []*QueueEntry
	for i := 0; i < 5; i++ {
		entry, err := pool.Submit(request(i), nil)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
		entries = append(entries, entry)
	}
	close(exec.release)
	for _, entry := range entries {
		<-entry.Done()
	}
	assert.Equal(t, ids, exec.order[pool.Accounts()[0].Address()])
	require.NoError(t, pool.Close(context.Background()))
}

func TestRoundRobinSpreadsLoad(t *testing.T) {
	exec := newGatedExecutor()
	pool := newPool(t, 4, 10, exec)

	counts := map[common.Address]int{}
	for i := 0; i < 8; i++ {
		entry, err := pool.Submit(request(i), nil)
		require.NoError(t, err)
		counts[entry.Account().Address()]++
	}
	for _, acc := range pool.Accounts() {
		assert.Equal(t, 2, counts[acc.Address()])
	}
	close(exec.release)
	require.NoError(t, pool.Close(context.Background()))
}

func TestRandomSelectionSkipsFullAccounts(t *testing.T) {
	exec := newGatedExecutor()
	cfg := DefaultConfig()
	cfg.MaxQueueDepth = 2
	cfg.Selection = SelectRandom
	pool, err := New("base-sepolia", signers(3), exec, cfg)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := pool.Submit(request(i), nil)
		require.NoError(t, err, "submission %d", i)
	}
	_, err = pool.Submit(request(6), nil)
	assert.True(t, isOverload(err))
	for _, acc := range pool.Accounts() {
		assert.Equal(t, 2, acc.Pending())
	}
	close(exec.release)
	require.NoError(t, pool.Close(context.Background()))
}

func TestCloseDrainsAndStopsAdmission(t *testing.T) {
	exec := newGatedExecutor()
	pool := newPool(t, 2, 5, exec)

	var entries []*QueueEntry
	for i := 0; i < 6; i++ {
		entry, err := pool.Submit(request(i), nil)
		require.NoError(t, err)
		entries = append(entries, entry)
	}

	closed := make(chan error, 1)
	go func() { closed <- pool.Close(context.Background()) }()
	require.Eventually(t, func() bool {
		_, err := pool.Submit(request(99), nil)
		return errors.Is(err, x402x.ErrShuttingDown)
	}, time.Second, time.Millisecond)

	close(exec.release)
	require.NoError(t, <-closed)
	for _, entry := range entries {
		select {
		case result := <-entry.Done():
			assert.True(t, result.Success)
		default:
			t.Fatalf("entry %s has no result after drain", entry.ID)
		}
	}
}

func TestCloseDeadlineCancelsInFlight(t *testing.T) {
	exec := newGatedExecutor()
	pool := newPool(t, 1, 3, exec)

	var entries []*QueueEntry
	for i := 0; i < 3; i++ {
		entry, err := pool.Submit(request(i), nil)
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	require.Eventually(t, func() bool { return exec.started.Load() == 1 }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, pool.Close(ctx))

	for _, entry := range entries {
		result := <-entry.Done()
		assert.False(t, result.Success)
		assert.Equal(t, StateFailed, entry.State())
	}
	assert.Equal(t, int32(1), exec.started.Load(), "queued entries fail without executing")
}

func TestRetryAfterFollowsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAfter = 7 * time.Second
	pool, err := New("base-sepolia", signers(1), newGatedExecutor(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, pool.RetryAfter())
	require.NoError(t, pool.Close(context.Background()))
}

type panicExecutor struct{}

func (panicExecutor) Execute(ctx context.Context, entry *QueueEntry) x402x.SettlementResult {
	panic("boom")
}

func TestPanicFailsEntry(t *testing.T) {
	pool := newPool(t, 1, 1, panicExecutor{})
	entry, err := pool.Submit(request(0), nil)
	require.NoError(t, err)

	result := <-entry.Done()
	assert.False(t, result.Success)
	assert.Equal(t, StateFailed, entry.State())
	require.NoError(t, pool.Close(context.Background()))
}

type recordingObserver struct {
	mu        sync.Mutex
	depths    []int
	overloads int
}

func (r *recordingObserver) QueueDepth(network x402x.Network, account common.Address, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depths = append(r.depths, depth)
}

func (r *recordingObserver) Overloaded(network x402x.Network) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overloads++
}

func TestObserver(t *testing.T) {
	exec := newGatedExecutor()
	obs := &recordingObserver{}
	pool := newPool(t, 1, 1, exec, WithObserver(obs))

	entry, err := pool.Submit(request(0), nil)
	require.NoError(t, err)
	_, err = pool.Submit(request(1), nil)
	require.Error(t, err)
	close(exec.release)
	<-entry.Done()
	require.NoError(t, pool.Close(context.Background()))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{1, 0}, obs.depths)
	assert.Equal(t, 1, obs.overloads)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New("base", nil, newGatedExecutor(), DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxQueueDepth = 0
	_, err = New("base", signers(1), newGatedExecutor(), cfg)
	assert.Error(t, err)

	dup := []Signer{fakeSigner(common.HexToAddress("0x01")), fakeSigner(common.HexToAddress("0x01"))}
	_, err = New("base", dup, newGatedExecutor(), DefaultConfig())
	assert.Error(t, err)
}

func TestPools(t *testing.T) {
	pool := newPool(t, 2, 1, newGatedExecutor())
	pools := Pools{"base-sepolia": pool}

	got, err := pools.Get("base-sepolia")
	require.NoError(t, err)
	assert.Same(t, pool, got)
	assert.Len(t, pools.Addresses("base-sepolia"), 2)

	_, err = pools.Get("base")
	assert.Equal(t, x402x.ReasonNetworkNotConfigured, x402x.ReasonOf(err))
	require.NoError(t, pools.Close(context.Background()))
}
