package evm

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	routerABI = mustParseABI(SettlementRouterABI)
	tokenABI  = mustParseABI(TokenABI)
)

func mustParseABI(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// SettleCalldata encodes the router's settleAndExecute call for the request.
func (r *SettlementRequest) SettleCalldata() ([]byte, error) {
	data, err := routerABI.Pack(FunctionSettleAndExecute,
		r.Token,
		r.Authorization.From,
		r.Authorization.Value,
		r.Authorization.ValidAfter,
		r.Authorization.ValidBefore,
		r.Authorization.Nonce,
		r.Signature,
		r.Extra.Salt,
		r.Extra.PayTo,
		r.Extra.FacilitatorFee,
		r.Extra.Hook,
		r.Extra.HookData,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", FunctionSettleAndExecute, err)
	}
	return data, nil
}

// SettleCallMsg builds the call message used for simulation and submission.
func (r *SettlementRequest) SettleCallMsg(from common.Address) (ethereum.CallMsg, error) {
	data, err := r.SettleCalldata()
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	router := r.Extra.SettlementRouter
	return ethereum.CallMsg{From: from, To: &router, Data: data}, nil
}

// IsSettled asks the router whether the context key already settled.
func IsSettled(ctx context.Context, client ChainClient, router common.Address, contextKey common.Hash) (bool, error) {
	var settled bool
	if err := callView(ctx, client, routerABI, router, FunctionIsSettled, &settled, contextKey); err != nil {
		return false, err
	}
	return settled, nil
}

// AuthorizationUsed reports whether the token already consumed the nonce.
func AuthorizationUsed(ctx context.Context, client ChainClient, token, authorizer common.Address, nonce common.Hash) (bool, error) {
	var used bool
	if err := callView(ctx, client, tokenABI, token, FunctionAuthorizationState, &used, authorizer, nonce); err != nil {
		return false, err
	}
	return used, nil
}

// BalanceOf returns the token balance of account.
func BalanceOf(ctx context.Context, client ChainClient, token, account common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if err := callView(ctx, client, tokenABI, token, FunctionBalanceOf, &balance, account); err != nil {
		return nil, err
	}
	return balance, nil
}

func callView(ctx context.Context, client ChainClient, contract abi.ABI, to common.Address, method string, out interface{}, args ...interface{}) error {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", method, err)
	}
	values, err := contract.Unpack(method, result)
	if err != nil {
		return fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return fmt.Errorf("%s returned %d values", method, len(values))
	}
	switch dst := out.(type) {
	case *bool:
		v, ok := values[0].(bool)
		if !ok {
			return fmt.Errorf("%s returned %T", method, values[0])
		}
		*dst = v
	case **big.Int:
		v, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("%s returned %T", method, values[0])
		}
		*dst = v
	default:
		return fmt.Errorf("unsupported output type %T", out)
	}
	return nil
}

// PackIsSettledResult encodes an isSettled return value. Test doubles use
// it to answer router reads.
func PackIsSettledResult(settled bool) ([]byte, error) {
	return routerABI.Methods[FunctionIsSettled].Outputs.Pack(settled)
}

// PackAuthorizationStateResult encodes an authorizationState return value.
func PackAuthorizationStateResult(used bool) ([]byte, error) {
	return tokenABI.Methods[FunctionAuthorizationState].Outputs.Pack(used)
}

// PackBalanceOfResult encodes a balanceOf return value.
func PackBalanceOfResult(balance *big.Int) ([]byte, error) {
	return tokenABI.Methods[FunctionBalanceOf].Outputs.Pack(balance)
}

// MethodOf returns the name of the router or token method selected by
// calldata, or "" when unknown.
func MethodOf(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if m, err := routerABI.MethodById(data[:4]); err == nil {
		return m.Name
	}
	if m, err := tokenABI.MethodById(data[:4]); err == nil {
		return m.Name
	}
	return ""
}
