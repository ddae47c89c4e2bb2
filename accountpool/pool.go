// Package accountpool spreads settlements over the facilitator's signing
// accounts. Each account owns a bounded FIFO lane served by one goroutine,
// so nonces of one account are never used concurrently.
package accountpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

// Signer is the key handle of one facilitator account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Selection picks the account for a new entry.
type Selection string

const (
	SelectRoundRobin Selection = "round_robin"
	SelectRandom     Selection = "random"
)

// ParseSelection accepts round_robin or random.
func ParseSelection(s string) (Selection, error) {
	switch Selection(strings.ToLower(strings.TrimSpace(s))) {
	case SelectRoundRobin, "", "round-robin":
		return SelectRoundRobin, nil
	case SelectRandom:
		return SelectRandom, nil
	}
	return "", fmt.Errorf("unknown account selection strategy %q", s)
}

// Config sizes the lanes.
type Config struct {
	// MaxQueueDepth bounds queued plus in-flight entries per account.
	MaxQueueDepth int
	Selection     Selection
	// RetryAfter is suggested to callers when every lane is full.
	RetryAfter time.Duration
}

// DefaultConfig returns depth 10, round robin and a 5s retry hint.
func DefaultConfig() Config {
	return Config{
		MaxQueueDepth: 10,
		Selection:     SelectRoundRobin,
		RetryAfter:    5 * time.Second,
	}
}

// Validate checks the queue bounds.
func (c Config) Validate() error {
	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("max queue depth must be at least 1, got %d", c.MaxQueueDepth)
	}
	if c.RetryAfter <= 0 {
		return fmt.Errorf("queue retry-after must be positive")
	}
	if _, err := ParseSelection(string(c.Selection)); err != nil {
		return err
	}
	return nil
}

// Executor runs an admitted entry on its account's lane. It must move the
// entry through validating, executing and confirming as it progresses; the
// pool records the terminal state from the returned result.
type Executor interface {
	Execute(ctx context.Context, entry *QueueEntry) x402x.SettlementResult
}

// Observer receives lane statistics.
type Observer interface {
	QueueDepth(network x402x.Network, account common.Address, depth int)
	Overloaded(network x402x.Network)
}

// Account is one signing key on one network.
type Account struct {
	address common.Address
	signer  Signer
	network x402x.Network

	pending atomic.Int32
	queue   chan *QueueEntry

	// lane-owned; touched only by the account goroutine
	nonce      uint64
	nonceKnown bool
}

// Address returns the account address.
func (a *Account) Address() common.Address {
	return a.address
}

// Signer returns the key handle.
func (a *Account) Signer() Signer {
	return a.signer
}

// Network returns the network the account settles on.
func (a *Account) Network() x402x.Network {
	return a.network
}

// Pending returns queued plus in-flight entries.
func (a *Account) Pending() int {
	return int(a.pending.Load())
}

// LocalNonce returns the next nonce tracked by the lane. It must only be
// called from the lane goroutine, i.e. inside Executor.Execute.
func (a *Account) LocalNonce() (uint64, bool) {
	return a.nonce, a.nonceKnown
}

// SetLocalNonce records the next nonce to use. Lane goroutine only.
func (a *Account) SetLocalNonce(nonce uint64) {
	a.nonce, a.nonceKnown = nonce, true
}

// ResetNonce forces the next settlement to ask the node. Lane goroutine
// only.
func (a *Account) ResetNonce() {
	a.nonceKnown = false
}

func (a *Account) reserve(depth int) bool {
	for {
		cur := a.pending.Load()
		if int(cur) >= depth {
			return false
		}
		if a.pending.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Pool owns the lanes of one network.
type Pool struct {
	network  x402x.Network
	cfg      Config
	accounts []*Account
	executor Executor
	observer Observer
	logger   log.Logger
	now      func() time.Time

	cursor atomic.Uint64
	rngMu  sync.Mutex
	rng    *rand.Rand

	admitMu sync.RWMutex
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver reports lane depth and overloads.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger log.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool with one lane per signer and starts the lanes.
func New(network x402x.Network, signers []Signer, executor Executor, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("network %s has no signing accounts", network)
	}
	if cfg.Selection == "" {
		cfg.Selection = SelectRoundRobin
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		network:  network,
		cfg:      cfg,
		executor: executor,
		logger:   log.New("component", "accountpool", "network", network),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[common.Address]bool, len(signers))
	for _, s := range signers {
		if seen[s.Address()] {
			cancel()
			return nil, fmt.Errorf("duplicate account %s on %s", s.Address().Hex(), network)
		}
		seen[s.Address()] = true
		p.accounts = append(p.accounts, &Account{
			address: s.Address(),
			signer:  s,
			network: network,
			queue:   make(chan *QueueEntry, cfg.MaxQueueDepth),
		})
	}
	for _, acc := range p.accounts {
		p.wg.Add(1)
		go p.lane(acc)
	}
	return p, nil
}

// Network returns the pool's network.
func (p *Pool) Network() x402x.Network {
	return p.network
}

// Accounts returns the lanes in configuration order.
func (p *Pool) Accounts() []*Account {
	return p.accounts
}

// Addresses returns the account addresses as hex strings.
func (p *Pool) Addresses() []string {
	out := make([]string, len(p.accounts))
	for i, acc := range p.accounts {
		out[i] = acc.address.Hex()
	}
	return out
}

// SimulationSender is an account address to simulate settlements from.
func (p *Pool) SimulationSender() common.Address {
	return p.accounts[0].address
}

func (p *Pool) overloaded() error {
	if p.observer != nil {
		p.observer.Overloaded(p.network)
	}
	return &x402x.SettlementError{
		Kind:       x402x.KindOverload,
		Reason:     x402x.ReasonOverloaded,
		Message:    fmt.Sprintf("all %d accounts on %s are at capacity", len(p.accounts), p.network),
		RetryAfter: p.cfg.RetryAfter,
	}
}

func (p *Pool) start() int {
	n := len(p.accounts)
	if p.cfg.Selection == SelectRandom {
		p.rngMu.Lock()
		defer p.rngMu.Unlock()
		return p.rng.Intn(n)
	}
	return int((p.cursor.Add(1) - 1) % uint64(n))
}

// Submit admits req to the first account with room, starting from the
// selection strategy's pick. It never blocks on a full lane.
func (p *Pool) Submit(req *evm.SettlementRequest, plan any) (*QueueEntry, error) {
	p.admitMu.RLock()
	defer p.admitMu.RUnlock()
	if p.closed {
		return nil, &x402x.SettlementError{
			Kind:       x402x.KindOverload,
			Reason:     x402x.ReasonFacilitatorShuttingDown,
			RetryAfter: p.cfg.RetryAfter,
			Err:        x402x.ErrShuttingDown,
		}
	}

	n := len(p.accounts)
	first := p.start()
	for i := 0; i < n; i++ {
		acc := p.accounts[(first+i)%n]
		if !acc.reserve(p.cfg.MaxQueueDepth) {
			continue
		}
		entry := newEntry(req, plan, acc, p.now())
		acc.queue <- entry

		depth := acc.Pending()
		if depth*5 >= p.cfg.MaxQueueDepth*4 {
			p.logger.Warn("Account queue nearly full", "account", acc.address, "depth", depth, "max", p.cfg.MaxQueueDepth)
		}
		if p.observer != nil {
			p.observer.QueueDepth(p.network, acc.address, depth)
		}
		return entry, nil
	}
	return nil, p.overloaded()
}

// RetryAfter is the delay suggested to callers turned away by the pool.
func (p *Pool) RetryAfter() time.Duration {
	return p.cfg.RetryAfter
}

func failure(req *evm.SettlementRequest, err error) x402x.SettlementResult {
	return x402x.SettlementResult{
		Success:     false,
		Payer:       req.Payer().Hex(),
		Network:     req.Network.Name,
		ErrorReason: x402x.ReasonOf(err),
		Err:         err,
	}
}

func (p *Pool) lane(acc *Account) {
	defer p.wg.Done()
	for entry := range acc.queue {
		p.run(entry)
	}
}

func (p *Pool) run(entry *QueueEntry) {
	acc := entry.account
	var result x402x.SettlementResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Settlement panicked", "entry", entry.ID, "account", acc.address, "panic", r)
				acc.ResetNonce()
				result = failure(entry.Request, fmt.Errorf("settlement panicked: %v", r))
			}
		}()
		if err := p.ctx.Err(); err != nil {
			result = failure(entry.Request, errors.Join(x402x.ErrShuttingDown, err))
			return
		}
		result = p.executor.Execute(p.ctx, entry)
	}()

	entry.finish(result)
	depth := int(acc.pending.Add(-1))
	if p.observer != nil {
		p.observer.QueueDepth(p.network, acc.address, depth)
	}
}

// Close stops admission and waits for the lanes to drain. If ctx ends
// first, in-flight work is cancelled and the remaining entries fail.
func (p *Pool) Close(ctx context.Context) error {
	p.admitMu.Lock()
	if !p.closed {
		p.closed = true
		for _, acc := range p.accounts {
			close(acc.queue)
		}
	}
	p.admitMu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-drained
		return fmt.Errorf("account pool %s: drain interrupted: %w", p.network, ctx.Err())
	}
}

// Pools holds one pool per canonical network name.
type Pools map[x402x.Network]*Pool

// Get returns the pool for network.
func (ps Pools) Get(network x402x.Network) (*Pool, error) {
	p, ok := ps[network]
	if !ok {
		return nil, x402x.NewSettlementError(x402x.KindConfiguration, x402x.ReasonNetworkNotConfigured,
			fmt.Sprintf("no signing accounts for %s", network))
	}
	return p, nil
}

// Addresses returns the account addresses of network.
func (ps Pools) Addresses(network x402x.Network) []string {
	p, ok := ps[network]
	if !ok {
		return nil
	}
	return p.Addresses()
}

// Close drains every pool.
func (ps Pools) Close(ctx context.Context) error {
	var errs []error
	for _, p := range ps {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
