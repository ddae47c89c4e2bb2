package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/retry"
)

var errReceiptPending = errors.New("receipt not available yet")

// receiptPolicy polls with fixed 1.5x growth and no jitter. Every lookup
// failure other than a cancelled context is worth another poll.
func (e *Executor) receiptPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: e.cfg.ReceiptAttempts,
		BaseDelay:   e.cfg.ReceiptMinDelay,
		MaxDelay:    e.cfg.ReceiptMaxDelay,
		Multiplier:  1.5,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	}
}

// confirm polls for the receipt of hash. A reverted receipt is replayed to
// recover the revert reason and is never retried.
func (e *Executor) confirm(ctx context.Context, client evm.ChainClient, from common.Address, req *evm.SettlementRequest, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	policy := e.receiptPolicy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		if errors.Is(err, errReceiptPending) {
			return
		}
		e.logger.Debug("Receipt lookup failed", "tx", hash, "attempt", attempt, "err", err)
		if e.observer != nil {
			e.observer.RPCRetry(req.Network.Name, "transactionReceipt")
		}
	}

	var (
		receipt *types.Receipt
		polls   int
	)
	err := policy.Do(ctx, func(ctx context.Context) error {
		polls++
		r, err := client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			receipt = r
			return nil
		case err == nil, errors.Is(err, ethereum.NotFound):
			return errReceiptPending
		}
		return err
	})
	if receipt == nil {
		e.logger.Debug("Receipt polling ended", "tx", hash, "polls", polls, "err", err)
		return confirmationTimeout(hash, polls)
	}
	return e.checkReceipt(ctx, client, from, req, receipt)
}

func confirmationTimeout(hash common.Hash, attempts int) error {
	return &x402x.SettlementError{
		Kind:        x402x.KindConfirmationTimeout,
		Reason:      x402x.ReasonConfirmationTimeout,
		Message:     fmt.Sprintf("no receipt after %d polls", attempts),
		Transaction: hash.Hex(),
	}
}

func (e *Executor) checkReceipt(ctx context.Context, client evm.ChainClient, from common.Address, req *evm.SettlementRequest, receipt *types.Receipt) error {
	if receipt.Status == evm.TxStatusSuccess {
		return nil
	}

	reason := "execution reverted"
	if msg, err := req.SettleCallMsg(from); err == nil {
		readCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
		_, callErr := client.CallContract(readCtx, msg, receipt.BlockNumber)
		cancel()
		if rev, ok := evm.AsRevert(callErr); ok && rev.Reason != "" {
			reason = rev.Reason
		}
	}
	return &x402x.SettlementError{
		Kind:        x402x.KindRevert,
		Reason:      x402x.ReasonTransactionReverted,
		Message:     reason,
		Transaction: receipt.TxHash.Hex(),
	}
}
