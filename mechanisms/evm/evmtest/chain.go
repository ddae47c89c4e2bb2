package evmtest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/x402x/facilitator/mechanisms/evm"
)

// Chain is an in-memory evm.ChainClient. Every hook is optional; the
// defaults accept transactions, mine them successfully and report nothing
// as settled.
type Chain struct {
	mu sync.Mutex

	ID       *big.Int
	GasPrice *big.Int

	// EstimateGasFn overrides gas estimation.
	EstimateGasFn func(msg ethereum.CallMsg) (uint64, error)
	// SendFn can reject a transaction before it is recorded.
	SendFn func(tx *types.Transaction) error
	// ReceiptFn overrides receipt lookup.
	ReceiptFn func(hash common.Hash) (*types.Receipt, error)
	// CallFn overrides contract calls.
	CallFn func(msg ethereum.CallMsg) ([]byte, error)
	// SuggestGasPriceFn overrides gas price suggestions.
	SuggestGasPriceFn func() (*big.Int, error)

	// Settled marks router context keys as settled.
	Settled map[common.Hash]bool
	// Balances overrides token balances; the default is plenty.
	Balances map[common.Address]*big.Int
	// ReceiptStatus is used for mined transactions, default success.
	ReceiptStatus *uint64

	nonces        map[common.Address]uint64
	sent          []*types.Transaction
	estimateCalls int
	sendCalls     int
	gasPriceCalls int
}

// NewChain returns a chain with the base-sepolia chain id and 0.1 gwei gas.
func NewChain() *Chain {
	return &Chain{
		ID:       new(big.Int).Set(evm.ChainIDBaseSepolia),
		GasPrice: big.NewInt(100_000_000),
		Settled:  make(map[common.Hash]bool),
		Balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
	}
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.ID), nil
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

// SetNonce moves an account's nonce as if another process had used it.
func (c *Chain) SetNonce(account common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[account] = nonce
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	c.gasPriceCalls++
	fn := c.SuggestGasPriceFn
	price := c.GasPrice
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return new(big.Int).Set(price), nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	c.estimateCalls++
	fn := c.EstimateGasFn
	c.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return 180_000, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	fn := c.CallFn
	c.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}

	switch evm.MethodOf(msg.Data) {
	case evm.FunctionIsSettled:
		var key common.Hash
		if len(msg.Data) >= 36 {
			key = common.BytesToHash(msg.Data[4:36])
		}
		c.mu.Lock()
		settled := c.Settled[key]
		c.mu.Unlock()
		return evm.PackIsSettledResult(settled)
	case evm.FunctionAuthorizationState:
		return evm.PackAuthorizationStateResult(false)
	case evm.FunctionBalanceOf:
		var account common.Address
		if len(msg.Data) >= 36 {
			account = common.BytesToAddress(msg.Data[4:36])
		}
		c.mu.Lock()
		balance, ok := c.Balances[account]
		c.mu.Unlock()
		if !ok {
			balance = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		}
		return evm.PackBalanceOfResult(balance)
	case evm.FunctionSettleAndExecute:
		return nil, errors.New("execution reverted")
	}
	return nil, errors.New("unexpected call")
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.sendCalls++
	fn := c.SendFn
	c.mu.Unlock()
	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	from, err := types.Sender(types.LatestSignerForChainID(c.ID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() < c.nonces[from] {
		return errors.New("nonce too low")
	}
	c.nonces[from] = tx.Nonce() + 1
	c.sent = append(c.sent, tx)
	return nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	fn := c.ReceiptFn
	c.mu.Unlock()
	if fn != nil {
		return fn(hash)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, tx := range c.sent {
		if tx.Hash() == hash {
			status := types.ReceiptStatusSuccessful
			if c.ReceiptStatus != nil {
				status = *c.ReceiptStatus
			}
			return &types.Receipt{
				Status:      status,
				TxHash:      hash,
				BlockNumber: big.NewInt(int64(1000 + i)),
				GasUsed:     tx.Gas() / 2,
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

// Sent returns the transactions accepted so far.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// EstimateGasCalls returns how often EstimateGas ran.
func (c *Chain) EstimateGasCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimateCalls
}

// SendCalls returns how often SendTransaction ran, including rejections.
func (c *Chain) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

// GasPriceCalls returns how often SuggestGasPrice ran.
func (c *Chain) GasPriceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gasPriceCalls
}

var _ evm.ChainClient = (*Chain)(nil)
