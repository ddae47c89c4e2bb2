package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/accountpool"
	"github.com/x402x/facilitator/mechanisms/evm"
)

const defaultInProgressRetry = 5 * time.Second

// Engine admits verified requests: it replays settled keys, runs the gates
// on the caller goroutine and hands survivors to the account pool of the
// request's network.
//
// A settlement key stays claimed from the first admission attempt until the
// lane delivers the entry's terminal result, whether or not any caller is
// still waiting for it. Duplicates of a claimed key never reach a lane.
type Engine struct {
	executor *Executor
	pools    accountpool.Pools
	logger   log.Logger

	mu       sync.Mutex
	inflight map[string]*pending
}

// pending is one settlement key between its claim and its terminal result.
type pending struct {
	contextKey common.Hash
	entry      atomic.Pointer[accountpool.QueueEntry]
	done       chan struct{}
	result     x402x.SettlementResult
}

// NewEngine combines an executor with the pools it serves. The pools must
// have been created with executor as their accountpool.Executor.
func NewEngine(executor *Executor, pools accountpool.Pools) *Engine {
	return &Engine{
		executor: executor,
		pools:    pools,
		logger:   executor.logger,
		inflight: make(map[string]*pending),
	}
}

// Settle runs one settlement to its terminal result. A caller whose ctx
// ends first gets settlement_in_progress with the transaction hash when one
// was already sent; the settlement itself keeps running.
func (e *Engine) Settle(ctx context.Context, req *evm.SettlementRequest) x402x.SettlementResult {
	key := req.SettlementKey()
	p, owner := e.claim(key, req.ContextKey())
	if !owner {
		if p.contextKey != req.ContextKey() {
			e.logger.Warn("Salt claimed by another authorization", "key", key, "payer", req.Payer())
			return e.inProgress(req, "", nil)
		}
		e.logger.Debug("Joining in-flight settlement", "key", key)
		return e.await(ctx, req, p)
	}

	entry, rejected := e.admit(ctx, req)
	if entry == nil {
		e.release(key, p, rejected)
		return rejected
	}
	p.entry.Store(entry)
	go func() {
		e.release(key, p, <-entry.Done())
	}()
	return e.await(ctx, req, p)
}

// admit returns the admitted entry, or the result that ends the settlement
// without one.
func (e *Engine) admit(ctx context.Context, req *evm.SettlementRequest) (*accountpool.QueueEntry, x402x.SettlementResult) {
	rec, err := e.executor.settledRecord(ctx, req)
	switch {
	case err != nil:
		return nil, e.rejected(req, err)
	case rec != nil:
		e.logger.Debug("Replaying settled result", "key", rec.Key, "tx", rec.Transaction)
		return nil, rec.Result()
	}

	pool, err := e.pools.Get(req.Network.Name)
	if err != nil {
		return nil, e.rejected(req, err)
	}
	plan, err := e.executor.Validate(ctx, req, pool.SimulationSender())
	if err != nil {
		return nil, e.rejected(req, err)
	}
	entry, err := pool.Submit(req, plan)
	if err != nil {
		return nil, e.rejected(req, err)
	}
	return entry, x402x.SettlementResult{}
}

func (e *Engine) claim(key string, contextKey common.Hash) (*pending, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.inflight[key]; ok {
		return p, false
	}
	p := &pending{contextKey: contextKey, done: make(chan struct{})}
	e.inflight[key] = p
	return p, true
}

func (e *Engine) release(key string, p *pending, result x402x.SettlementResult) {
	p.result = result
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	close(p.done)
}

func (e *Engine) await(ctx context.Context, req *evm.SettlementRequest, p *pending) x402x.SettlementResult {
	select {
	case <-p.done:
		return p.result
	case <-ctx.Done():
		var tx string
		if entry := p.entry.Load(); entry != nil {
			tx = entry.Transaction()
		}
		return e.inProgress(req, tx, ctx.Err())
	}
}

func (e *Engine) inProgress(req *evm.SettlementRequest, tx string, cause error) x402x.SettlementResult {
	retryAfter := defaultInProgressRetry
	if pool, err := e.pools.Get(req.Network.Name); err == nil {
		retryAfter = pool.RetryAfter()
	}
	err := x402x.SettlementInProgress(tx, retryAfter, cause)
	return x402x.SettlementResult{
		Success:     false,
		Transaction: tx,
		Payer:       req.Payer().Hex(),
		Network:     req.Network.Name,
		ErrorReason: err.Reason,
		Err:         err,
	}
}

// Addresses lists the signing accounts of network.
func (e *Engine) Addresses(network x402x.Network) []string {
	return e.pools.Addresses(network)
}

// Close drains every account pool.
func (e *Engine) Close(ctx context.Context) error {
	return e.pools.Close(ctx)
}

func (e *Engine) rejected(req *evm.SettlementRequest, err error) x402x.SettlementResult {
	reason := x402x.ReasonOf(err)
	if o := e.executor.observer; o != nil {
		o.SettlementFinished(req.Network.Name, reason, false, time.Duration(0))
	}
	return x402x.SettlementResult{
		Success:     false,
		Payer:       req.Payer().Hex(),
		Network:     req.Network.Name,
		ErrorReason: reason,
		Err:         err,
	}
}

var (
	_ evm.Settler          = (*Engine)(nil)
	_ evm.SignerDirectory  = (*Engine)(nil)
	_ accountpool.Executor = (*Executor)(nil)
)
