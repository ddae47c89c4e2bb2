package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/accountpool"
	"github.com/x402x/facilitator/fee"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/retry"
)

var errNonceConflict = errors.New("nonce conflict")

type sendOutcome int

const (
	sendFailed sendOutcome = iota
	sendAccepted
	sendNonceConflict
)

// classifySend maps node responses onto what the lane does next. Nodes only
// return these as text, so matching is by message.
func classifySend(err error) sendOutcome {
	if err == nil {
		return sendAccepted
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		return sendAccepted
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "invalid nonce"):
		return sendNonceConflict
	}
	return sendFailed
}

// submit signs and broadcasts the settlement from acc. A nonce conflict
// refreshes the nonce from the node and is retried exactly once.
func (e *Executor) submit(ctx context.Context, client evm.ChainClient, acc *accountpool.Account, req *evm.SettlementRequest, plan *Plan) (common.Hash, error) {
	network := req.Network.Name
	logger := e.logger.New("network", network, "account", acc.Address())

	quote, err := e.oracle.CurrentPrice(ctx, network)
	if err != nil {
		return common.Hash{}, err
	}
	gasLimit := e.gasLimits.Compute(fee.GasLimitInput{
		EstimatedGas:   plan.EstimatedGas,
		StaticEstimate: plan.StaticEstimate,
		FeeWei:         plan.FeeWei,
		GasPriceWei:    quote.PriceWei,
	})
	data, err := req.SettleCalldata()
	if err != nil {
		return common.Hash{}, x402x.WrapSettlementError(x402x.KindValidation, x402x.ReasonInvalidPayload, err)
	}

	nonce, err := e.nonce(ctx, client, acc, network)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := e.send(ctx, client, acc, req, nonce, gasLimit, quote.PriceWei, data)
	if errors.Is(err, errNonceConflict) {
		logger.Warn("Nonce conflict, refreshing from node", "nonce", nonce, "err", err)
		acc.ResetNonce()
		if nonce, err = e.nonce(ctx, client, acc, network); err != nil {
			return common.Hash{}, err
		}
		hash, err = e.send(ctx, client, acc, req, nonce, gasLimit, quote.PriceWei, data)
		if errors.Is(err, errNonceConflict) {
			acc.ResetNonce()
			return common.Hash{}, &x402x.SettlementError{
				Kind:    x402x.KindNonce,
				Reason:  x402x.ReasonNonceConflict,
				Message: fmt.Sprintf("nonce %d rejected after refresh", nonce),
				Err:     err,
			}
		}
	}
	if err != nil {
		// the node may or may not have the transaction
		acc.ResetNonce()
		return common.Hash{}, err
	}

	acc.SetLocalNonce(nonce + 1)
	logger.Info("Settlement submitted", "tx", hash, "nonce", nonce, "gasLimit", gasLimit,
		"gasPrice", quote.PriceWei, "gasPriceSource", quote.Source)
	return hash, nil
}

// nonce returns the lane's next nonce, asking the node when unknown.
func (e *Executor) nonce(ctx context.Context, client evm.ChainClient, acc *accountpool.Account, network x402x.Network) (uint64, error) {
	if n, ok := acc.LocalNonce(); ok {
		return n, nil
	}
	var n uint64
	err := e.policy(network, "pendingNonce").Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = client.PendingNonceAt(ctx, acc.Address())
		if err != nil {
			return x402x.WrapSettlementError(x402x.KindRPC, x402x.ReasonRPCError, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	acc.SetLocalNonce(n)
	return n, nil
}

func (e *Executor) send(ctx context.Context, client evm.ChainClient, acc *accountpool.Account, req *evm.SettlementRequest,
	nonce, gasLimit uint64, gasPrice *big.Int, data []byte) (common.Hash, error) {
	tx := types.NewTransaction(nonce, req.Extra.SettlementRouter, new(big.Int), gasLimit, gasPrice, data)
	signed, err := acc.Signer().SignTx(tx, req.Network.ChainID)
	if err != nil {
		return common.Hash{}, x402x.WrapSettlementError(x402x.KindConfiguration, x402x.ReasonConfiguration,
			fmt.Errorf("sign transaction: %w", err))
	}

	err = e.policy(req.Network.Name, "sendTransaction").Do(ctx, func(ctx context.Context) error {
		sendErr := client.SendTransaction(ctx, signed)
		switch classifySend(sendErr) {
		case sendAccepted:
			return nil
		case sendNonceConflict:
			return fmt.Errorf("%w: %v", errNonceConflict, sendErr)
		}
		return x402x.WrapSettlementError(x402x.KindRPC, x402x.ReasonRPCError, sendErr)
	})
	return signed.Hash(), err
}

// policy is the configured retry policy with logging and metrics attached.
func (e *Executor) policy(network x402x.Network, operation string) retry.Policy {
	p := e.cfg.Retry
	p.Retryable = func(err error) bool {
		return !errors.Is(err, errNonceConflict) && retry.IsRetryable(err)
	}
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Debug("Retrying RPC call", "network", network, "op", operation, "attempt", attempt, "delay", delay, "err", err)
		if e.observer != nil {
			e.observer.RPCRetry(network, operation)
		}
	}
	return p
}
