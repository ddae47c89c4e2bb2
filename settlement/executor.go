// Package settlement turns admitted settlement requests into confirmed
// SettlementRouter transactions.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/accountpool"
	"github.com/x402x/facilitator/extensions/idempotency"
	"github.com/x402x/facilitator/fee"
	"github.com/x402x/facilitator/gasprice"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/prevalidate"
	"github.com/x402x/facilitator/retry"
)

// Whitelist checks router and hook addresses.
type Whitelist interface {
	CheckRouter(network x402x.Network, router common.Address) error
	CheckHook(network x402x.Network, hook common.Address) error
}

// FeeValidator checks the facilitator fee and models settlement gas.
type FeeValidator interface {
	ValidateFee(ctx context.Context, provided *big.Int, network x402x.Network, hook common.Address, hookData []byte) (fee.Quote, error)
	EstimateGas(call evm.HookCall) uint64
}

// PreValidator rejects settlements that would fail on-chain.
type PreValidator interface {
	PreValidate(ctx context.Context, req *evm.SettlementRequest, from common.Address) (prevalidate.Result, error)
}

// Observer receives settlement outcomes and retries.
type Observer interface {
	SettlementFinished(network x402x.Network, reason string, success bool, elapsed time.Duration)
	RPCRetry(network x402x.Network, operation string)
}

// Plan carries what the admission gates learned into the lane.
type Plan struct {
	EstimatedGas   uint64
	StaticEstimate uint64
	// FeeWei is the facilitator fee in native wei, nil when unknown.
	FeeWei *big.Int
	Quote  fee.Quote
}

// Config tunes submission and confirmation.
type Config struct {
	Retry retry.Policy
	// ReceiptAttempts bounds receipt polls.
	ReceiptAttempts int
	ReceiptMinDelay time.Duration
	ReceiptMaxDelay time.Duration
	// ConfirmTimeout caps the whole confirmation wait.
	ConfirmTimeout time.Duration
	// ReadTimeout bounds each pre-flight view call in the lane.
	ReadTimeout time.Duration
}

// DefaultConfig polls receipts 60 times between 2s and 5s for at most two
// minutes.
func DefaultConfig() Config {
	return Config{
		Retry:           retry.DefaultPolicy(),
		ReceiptAttempts: 60,
		ReceiptMinDelay: 2 * time.Second,
		ReceiptMaxDelay: 5 * time.Second,
		ConfirmTimeout:  2 * time.Minute,
		ReadTimeout:     5 * time.Second,
	}
}

// Validate checks the polling bounds and the retry policy.
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	if c.ReceiptAttempts < 1 {
		return fmt.Errorf("receipt attempts must be at least 1")
	}
	if c.ReceiptMinDelay <= 0 || c.ReceiptMaxDelay < c.ReceiptMinDelay {
		return fmt.Errorf("invalid receipt delays: min %s, max %s", c.ReceiptMinDelay, c.ReceiptMaxDelay)
	}
	if c.ConfirmTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("confirmation and read timeouts must be positive")
	}
	return nil
}

// Executor runs the admission gates and the lane stages.
type Executor struct {
	cfg       Config
	clients   evm.ChainClients
	whitelist Whitelist
	fees      FeeValidator
	prevalid  PreValidator
	oracle    gasprice.Oracle
	gasLimits *fee.GasLimitPolicy
	store     idempotency.SettledStore
	observer  Observer
	logger    log.Logger
	now       func() time.Time
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Clients      evm.ChainClients
	Whitelist    Whitelist
	Fees         FeeValidator
	PreValidator PreValidator
	Oracle       gasprice.Oracle
	GasLimits    *fee.GasLimitPolicy
	Store        idempotency.SettledStore
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver reports outcomes and retries.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor checks that every collaborator is present.
func NewExecutor(cfg Config, deps Deps, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Clients == nil:
		return nil, errors.New("settlement executor needs chain clients")
	case deps.Whitelist == nil:
		return nil, errors.New("settlement executor needs a whitelist")
	case deps.Fees == nil:
		return nil, errors.New("settlement executor needs a fee validator")
	case deps.PreValidator == nil:
		return nil, errors.New("settlement executor needs a pre-validator")
	case deps.Oracle == nil:
		return nil, errors.New("settlement executor needs a gas price oracle")
	case deps.GasLimits == nil:
		return nil, errors.New("settlement executor needs a gas limit policy")
	}
	store := deps.Store
	if store == nil {
		store = idempotency.NewMemoryStore(0)
	}
	e := &Executor{
		cfg:       cfg,
		clients:   deps.Clients,
		whitelist: deps.Whitelist,
		fees:      deps.Fees,
		prevalid:  deps.PreValidator,
		oracle:    deps.Oracle,
		gasLimits: deps.GasLimits,
		store:     store,
		logger:    log.New("component", "settlement"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Store returns the settled store.
func (e *Executor) Store() idempotency.SettledStore {
	return e.store
}

// Validate runs the whitelist, fee and pre-validation gates. Hooks are
// checked against the whitelist before anything is simulated.
func (e *Executor) Validate(ctx context.Context, req *evm.SettlementRequest, from common.Address) (*Plan, error) {
	network := req.Network.Name
	if err := e.whitelist.CheckRouter(network, req.Extra.SettlementRouter); err != nil {
		e.logger.Warn("Router rejected", "network", network, "router", req.Extra.SettlementRouter, "err", err)
		return nil, err
	}
	if err := e.whitelist.CheckHook(network, req.Extra.Hook); err != nil {
		e.logger.Warn("Hook rejected", "network", network, "hook", req.Extra.Hook, "err", err)
		return nil, err
	}

	quote, err := e.fees.ValidateFee(ctx, req.Extra.FacilitatorFee, network, req.Extra.Hook, req.Extra.HookData)
	if err != nil {
		return nil, err
	}

	result, err := e.prevalid.PreValidate(ctx, req, from)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		EstimatedGas:   result.EstimatedGas,
		StaticEstimate: e.fees.EstimateGas(req.Hook),
		Quote:          quote,
	}
	if price := quote.Breakdown.NativePriceUSD; price != nil && price.Sign() > 0 {
		plan.FeeWei = fee.TokenAmountToWei(req.Extra.FacilitatorFee, quote.Decimals, price)
	}
	return plan, nil
}

// Execute runs one entry on its account lane.
func (e *Executor) Execute(ctx context.Context, entry *accountpool.QueueEntry) x402x.SettlementResult {
	start := e.now()
	req := entry.Request
	result := e.execute(ctx, entry)
	if result.Payer == "" {
		result.Payer = req.Payer().Hex()
	}
	if result.Network == "" {
		result.Network = req.Network.Name
	}
	if !result.Success && result.ErrorReason == "" {
		result.ErrorReason = x402x.ReasonOf(result.Err)
	}

	logger := e.logger.New("entry", entry.ID, "account", entry.Account().Address(), "network", req.Network.Name)
	if result.Success {
		logger.Info("Settlement confirmed", "tx", result.Transaction, "elapsed", e.now().Sub(start))
	} else {
		logger.Warn("Settlement failed", "reason", result.ErrorReason, "tx", result.Transaction, "err", result.Err)
	}
	if e.observer != nil {
		e.observer.SettlementFinished(req.Network.Name, result.ErrorReason, result.Success, e.now().Sub(start))
	}
	return result
}

func (e *Executor) execute(ctx context.Context, entry *accountpool.QueueEntry) x402x.SettlementResult {
	req := entry.Request
	plan, _ := entry.Plan.(*Plan)
	if plan == nil {
		plan = &Plan{StaticEstimate: e.fees.EstimateGas(req.Hook)}
	}

	if err := entry.Transition(accountpool.StateValidating); err != nil {
		return failed(err)
	}
	client, err := e.clients.Get(req.Network.Name)
	if err != nil {
		return failed(err)
	}
	if rec, err := e.validate(ctx, client, req); err != nil {
		return failed(err)
	} else if rec != nil {
		if err := entry.Transition(accountpool.StateSettled); err != nil {
			return failed(err)
		}
		return rec.Result()
	}

	if err := entry.Transition(accountpool.StateExecuting); err != nil {
		return failed(err)
	}
	tx, err := e.submit(ctx, client, entry.Account(), req, plan)
	if err != nil {
		return failed(err)
	}
	entry.SetTransaction(tx.Hex())

	if err := entry.Transition(accountpool.StateConfirming); err != nil {
		return failedTx(err, tx.Hex())
	}
	if err := e.confirm(ctx, client, entry.Account().Address(), req, tx); err != nil {
		return failedTx(err, tx.Hex())
	}

	rec := idempotency.Record{
		Key:         req.SettlementKey(),
		Network:     req.Network.Name,
		ContextKey:  req.ContextKey().Hex(),
		Transaction: tx.Hex(),
		Payer:       req.Payer().Hex(),
		SettledAt:   e.now().UTC(),
	}
	if err := e.store.Save(ctx, rec); err != nil {
		e.logger.Error("Failed to record settlement", "key", rec.Key, "tx", rec.Transaction, "err", err)
	}
	return rec.Result()
}

// validate re-checks what may have changed while the entry was queued. A
// non-nil record means the settlement already went through.
func (e *Executor) validate(ctx context.Context, client evm.ChainClient, req *evm.SettlementRequest) (*idempotency.Record, error) {
	if req.ExpiresWithin(e.now(), evm.ValidBeforeBuffer*time.Second) {
		return nil, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonAuthorizationExpired,
			"authorization expired while queued")
	}

	rec, err := e.settledRecord(ctx, req)
	if err != nil || rec != nil {
		return rec, err
	}

	readCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
	defer cancel()

	settled, err := evm.IsSettled(readCtx, client, req.Extra.SettlementRouter, req.ContextKey())
	switch {
	case err != nil:
		e.logger.Warn("isSettled check failed", "router", req.Extra.SettlementRouter, "err", err)
	case settled:
		return nil, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonAlreadySettled,
			"settlement already executed on-chain")
	}

	used, err := evm.AuthorizationUsed(readCtx, client, req.Token, req.Payer(), req.Authorization.Nonce)
	switch {
	case err != nil:
		e.logger.Warn("authorizationState check failed", "token", req.Token, "err", err)
	case used:
		return nil, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonNonceAlreadyUsed,
			"authorization nonce already used")
	}

	balance, err := evm.BalanceOf(readCtx, client, req.Token, req.Payer())
	switch {
	case err != nil:
		e.logger.Warn("balanceOf check failed", "token", req.Token, "err", err)
	case balance.Cmp(req.Authorization.Value) < 0:
		return nil, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInsufficientBalance,
			fmt.Sprintf("balance %s below %s", balance, req.Authorization.Value))
	}
	return nil, nil
}

// settledRecord looks req up in the settled store. A record left by a
// different authorization for the same salt is reported as already settled
// and never replayed.
func (e *Executor) settledRecord(ctx context.Context, req *evm.SettlementRequest) (*idempotency.Record, error) {
	key := req.SettlementKey()
	rec, err := e.store.Get(ctx, key)
	switch {
	case err != nil:
		e.logger.Warn("Settled store lookup failed", "key", key, "err", err)
		return nil, nil
	case rec == nil:
		return nil, nil
	case !rec.Matches(req.ContextKey().Hex()):
		e.logger.Warn("Salt already settled for another authorization", "key", key, "payer", req.Payer(), "settledPayer", rec.Payer)
		return nil, &x402x.SettlementError{
			Kind:    x402x.KindValidation,
			Reason:  x402x.ReasonAlreadySettled,
			Message: "salt already settled by another authorization",
		}
	}
	return rec, nil
}

func failed(err error) x402x.SettlementResult {
	return x402x.SettlementResult{Success: false, ErrorReason: x402x.ReasonOf(err), Err: err}
}

func failedTx(err error, tx string) x402x.SettlementResult {
	r := failed(err)
	r.Transaction = tx
	return r
}
