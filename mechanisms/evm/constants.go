package evm

import (
	"math/big"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// CaipFamily groups every EVM network in the supported response.
	CaipFamily = "eip155:*"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// CommitmentTag prefixes every commitment preimage; the router hashes
	// the same tag on-chain.
	CommitmentTag = "X402/settle/v1"

	// Contract function names
	FunctionSettleAndExecute    = "settleAndExecute"
	FunctionIsSettled           = "isSettled"
	FunctionCalculateContextKey = "calculateContextKey"
	FunctionAuthorizationState  = "authorizationState"
	FunctionBalanceOf           = "balanceOf"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// ValidBeforeBuffer is the time buffer (in seconds) subtracted from
	// validBefore to account for block propagation.
	ValidBeforeBuffer = 6

	// MaxBips is the denominator of split percentages.
	MaxBips = 10000

	// MaxTransferSplits bounds the recipients a transfer hook may pay.
	MaxTransferSplits = 50
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// SettlementRouterABI covers the router entry points the facilitator
	// calls.
	SettlementRouterABI = []byte(`[
		{
			"inputs": [
				{"name": "token", "type": "address"},
				{"name": "from", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "signature", "type": "bytes"},
				{"name": "salt", "type": "bytes32"},
				{"name": "payTo", "type": "address"},
				{"name": "facilitatorFee", "type": "uint256"},
				{"name": "hook", "type": "address"},
				{"name": "hookData", "type": "bytes"}
			],
			"name": "settleAndExecute",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"name": "contextKey", "type": "bytes32"}],
			"name": "isSettled",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "token", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "calculateContextKey",
			"outputs": [{"name": "", "type": "bytes32"}],
			"stateMutability": "pure",
			"type": "function"
		}
	]`)

	// TokenABI covers the EIP-3009 token reads used by verification.
	TokenABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [{"name": "account", "type": "address"}],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)
