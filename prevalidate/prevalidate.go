// Package prevalidate rejects settlements that would fail on-chain before
// any transaction is built.
package prevalidate

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

// DefaultTimeout bounds custom hook simulation.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of a successful pre-validation.
type Result struct {
	// EstimatedGas is the simulated gas, 0 when nothing was simulated.
	EstimatedGas uint64
}

// Engine runs the common checks and the hook-specific checks.
type Engine struct {
	clients evm.ChainClients
	timeout time.Duration
	now     func() time.Time
	logger  log.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides the simulation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine simulating through clients.
func New(clients evm.ChainClients, opts ...Option) *Engine {
	e := &Engine{
		clients: clients,
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  log.New("component", "prevalidate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func preValidationError(reason, msg string) error {
	return x402x.NewSettlementError(x402x.KindPreValidation, reason, msg)
}

// PreValidate checks req. Custom hooks are simulated with from as the
// sender, so from must be an address the facilitator settles with.
func (e *Engine) PreValidate(ctx context.Context, req *evm.SettlementRequest, from common.Address) (Result, error) {
	if err := e.checkCommon(req); err != nil {
		return Result{}, err
	}

	switch h := req.Hook.(type) {
	case evm.NoHook:
		return Result{}, nil
	case evm.BuiltinTransfer:
		return Result{}, CheckTransferSplits(h.Splits)
	case evm.CustomHook:
		return e.simulate(ctx, req, from)
	default:
		return Result{}, preValidationError(x402x.ReasonInvalidHookData, fmt.Sprintf("unsupported hook call %T", req.Hook))
	}
}

func (e *Engine) checkCommon(req *evm.SettlementRequest) error {
	now := e.now()
	if req.ExpiresWithin(now, evm.ValidBeforeBuffer*time.Second) {
		return preValidationError(x402x.ReasonAuthorizationExpired, "authorization expires before it can be settled")
	}
	if req.NotYetValid(now) {
		return preValidationError(x402x.ReasonAuthorizationNotYet, "authorization is not yet valid")
	}
	if req.Authorization.Value.Cmp(req.Extra.FacilitatorFee) < 0 {
		return preValidationError(x402x.ReasonInvalidAmount, "facilitator fee exceeds the authorized value")
	}
	if req.Extra.PayTo == (common.Address{}) {
		return preValidationError(x402x.ReasonInvalidPayload, "payTo is the zero address")
	}
	return nil
}

// CheckTransferSplits validates decoded transfer hook data. An empty list
// pays everything to payTo.
func CheckTransferSplits(splits []evm.Split) error {
	if len(splits) > evm.MaxTransferSplits {
		return preValidationError(x402x.ReasonInvalidHookData,
			fmt.Sprintf("%d splits exceed the limit of %d", len(splits), evm.MaxTransferSplits))
	}
	total := 0
	for i, s := range splits {
		if s.Recipient == (common.Address{}) {
			return preValidationError(x402x.ReasonInvalidHookData, fmt.Sprintf("split %d has the zero recipient", i))
		}
		if s.Bips == 0 {
			return preValidationError(x402x.ReasonInvalidHookData, fmt.Sprintf("split %d has zero bips", i))
		}
		total += int(s.Bips)
	}
	if total > evm.MaxBips {
		return preValidationError(x402x.ReasonInvalidHookData,
			fmt.Sprintf("splits total %d bips, more than %d", total, evm.MaxBips))
	}
	return nil
}

func (e *Engine) simulate(ctx context.Context, req *evm.SettlementRequest, from common.Address) (Result, error) {
	client, err := e.clients.Get(req.Network.Name)
	if err != nil {
		return Result{}, err
	}
	msg, err := req.SettleCallMsg(from)
	if err != nil {
		return Result{}, preValidationError(x402x.ReasonInvalidPayload, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		if revert, ok := evm.AsRevert(err); ok {
			e.logger.Debug("Settlement simulation reverted", "hook", req.Hook.Address(), "reason", revert.Reason)
			return Result{}, &x402x.SettlementError{
				Kind:    x402x.KindPreValidation,
				Reason:  x402x.ReasonWouldRevert,
				Message: revert.Reason,
				Err:     revert,
			}
		}
		return Result{}, x402x.WrapSettlementError(x402x.KindRPC, x402x.ReasonRPCError,
			fmt.Errorf("eth_estimateGas: %w", err))
	}
	return Result{EstimatedGas: gas}, nil
}
