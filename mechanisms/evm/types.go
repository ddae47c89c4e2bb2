package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	x402x "github.com/x402x/facilitator"
)

// ExactEIP3009Authorization represents the EIP-3009 TransferWithAuthorization data
type ExactEIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex)
	Value       string `json:"value"`       // Amount in atomic units as string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as string
	ValidBefore string `json:"validBefore"` // Unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// ExactEIP3009Payload represents the exact payment payload for EVM networks
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature,omitempty"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// ToMap converts an ExactEIP3009Payload to a map for JSON marshaling
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// PayloadFromMap creates an ExactEIP3009Payload from a map
func PayloadFromMap(data map[string]interface{}) (*ExactEIP3009Payload, error) {
	payload := &ExactEIP3009Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	fields := []struct {
		name string
		dst  *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validAfter", &payload.Authorization.ValidAfter},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	}
	for _, f := range fields {
		switch v := auth[f.name].(type) {
		case string:
			*f.dst = v
		case float64:
			// JSON numbers for timestamps
			*f.dst = new(big.Float).SetFloat64(v).Text('f', 0)
		default:
			return nil, fmt.Errorf("missing or invalid authorization.%s field", f.name)
		}
	}
	return payload, nil
}

// Authorization is the parsed form of ExactEIP3009Authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

// SettlementExtra is the parsed form of the requirements' extra object.
type SettlementExtra struct {
	Name             string
	Version          string
	SettlementRouter common.Address
	Salt             common.Hash
	PayTo            common.Address
	FacilitatorFee   *big.Int
	Hook             common.Address
	HookData         []byte
}

// SettlementRequest is a fully parsed settle or verify call. It is immutable
// after parsing and passed by pointer through every stage.
type SettlementRequest struct {
	Network        *NetworkConfig
	Token          common.Address
	Authorization  Authorization
	Signature      []byte
	Extra          SettlementExtra
	Hook           HookCall
	RequiredAmount *big.Int
	ReceivedAt     time.Time
}

// Payer returns the authorizing address.
func (r *SettlementRequest) Payer() common.Address {
	return r.Authorization.From
}

// CommitmentParams returns the fields bound by the payer's nonce.
func (r *SettlementRequest) CommitmentParams() CommitmentParams {
	return CommitmentParams{
		ChainID:          r.Network.ChainID,
		SettlementRouter: r.Extra.SettlementRouter,
		Token:            r.Token,
		From:             r.Authorization.From,
		Value:            r.Authorization.Value,
		ValidAfter:       r.Authorization.ValidAfter,
		ValidBefore:      r.Authorization.ValidBefore,
		Salt:             r.Extra.Salt,
		PayTo:            r.Extra.PayTo,
		FacilitatorFee:   r.Extra.FacilitatorFee,
		Hook:             r.Extra.Hook,
		HookData:         r.Extra.HookData,
	}
}

// ContextKey is the router's settlement key for this authorization.
func (r *SettlementRequest) ContextKey() common.Hash {
	return CalculateContextKey(r.Authorization.From, r.Token, r.Authorization.Nonce)
}

// SettlementKey identifies the settlement intent: a salt can settle at most
// once per router.
func (r *SettlementRequest) SettlementKey() string {
	return SettlementKey(r.Network.Name, r.Extra.SettlementRouter, r.Extra.Salt)
}

// SettlementKey formats the (network, router, salt) idempotency key.
func SettlementKey(network x402x.Network, router common.Address, salt common.Hash) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s", network, router.Hex(), salt.Hex()))
}

// ReplayKey extends SettlementKey with the router context key, so a stored
// result is only handed back to the authorization that produced it.
func (r *SettlementRequest) ReplayKey() string {
	return strings.ToLower(r.SettlementKey() + ":" + r.ContextKey().Hex())
}

// ExpiresWithin reports whether validBefore falls within buffer of now.
func (r *SettlementRequest) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	deadline := new(big.Int).SetInt64(now.Add(buffer).Unix())
	return r.Authorization.ValidBefore.Cmp(deadline) <= 0
}

// NotYetValid reports whether validAfter is still in the future.
func (r *SettlementRequest) NotYetValid(now time.Time) bool {
	return r.Authorization.ValidAfter.Cmp(big.NewInt(now.Unix())) > 0
}

// ChainClient is the subset of *ethclient.Client the engine uses.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainClients holds one client per canonical network name.
type ChainClients map[x402x.Network]ChainClient

// Get returns the client for the network or a configuration error.
func (c ChainClients) Get(network x402x.Network) (ChainClient, error) {
	client, ok := c[network]
	if !ok || client == nil {
		return nil, x402x.NewSettlementError(x402x.KindConfiguration, x402x.ReasonNetworkNotConfigured,
			fmt.Sprintf("no RPC client for %s", network))
	}
	return client, nil
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// HexToBytes decodes a 0x-prefixed hex string; "0x" and "" decode to an
// empty slice.
func HexToBytes(s string) ([]byte, error) {
	if s == "" || s == "0x" || s == "0X" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
