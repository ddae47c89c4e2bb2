// Package evmtest provides signed payments and an in-memory chain for tests
// of the settlement engine.
package evmtest

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

var (
	// Router is the settlement router used by test networks.
	Router = common.HexToAddress("0x1111111111111111111111111111111111111111")
	// TransferHook is the built-in hook on test networks.
	TransferHook = common.HexToAddress("0x2222222222222222222222222222222222222222")
	// CustomHook is a hook the test networks know nothing about.
	CustomHook = common.HexToAddress("0x3333333333333333333333333333333333333333")
	// Merchant is the final payTo.
	Merchant = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// BaseSepolia returns the base-sepolia config with the test transfer hook.
func BaseSepolia() evm.NetworkConfig {
	for _, cfg := range evm.DefaultNetworkConfigs() {
		if cfg.Name == "base-sepolia" {
			cfg.TransferHook = TransferHook
			return cfg
		}
	}
	panic("base-sepolia missing from default networks")
}

// Networks returns the default networks with test hooks attached.
func Networks(t testing.TB) *evm.Networks {
	t.Helper()
	var configs []evm.NetworkConfig
	for _, cfg := range evm.DefaultNetworkConfigs() {
		cfg.TransferHook = TransferHook
		configs = append(configs, cfg)
	}
	networks, err := evm.NewNetworks(configs...)
	if err != nil {
		t.Fatalf("networks: %v", err)
	}
	return networks
}

// Payment describes a settlement a payer signs. Zero fields get defaults
// in NewPayment.
type Payment struct {
	Key         *ecdsa.PrivateKey
	Network     evm.NetworkConfig
	Router      common.Address
	Token       common.Address
	PayTo       common.Address
	Value       *big.Int
	Fee         *big.Int
	Hook        common.Address
	HookData    []byte
	Salt        common.Hash
	ValidAfter  int64
	ValidBefore int64
	// Nonce overrides the commitment when set.
	Nonce *common.Hash
}

// NewPayment returns a 1 USDC payment on base-sepolia through Router with a
// fresh payer key and salt.
func NewPayment(t testing.TB) *Payment {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	network := BaseSepolia()
	now := time.Now().Unix()
	return &Payment{
		Key:         key,
		Network:     network,
		Router:      Router,
		Token:       network.DefaultAsset.Address,
		PayTo:       Merchant,
		Value:       big.NewInt(1_000_000),
		Fee:         big.NewInt(10_000),
		Salt:        RandomSalt(t),
		ValidAfter:  now - 60,
		ValidBefore: now + 3600,
	}
}

// RandomSalt returns a random 32-byte salt.
func RandomSalt(t testing.TB) common.Hash {
	t.Helper()
	var salt common.Hash
	if _, err := rand.Read(salt[:]); err != nil {
		t.Fatalf("salt: %v", err)
	}
	return salt
}

// Payer returns the payer address.
func (p *Payment) Payer() common.Address {
	return crypto.PubkeyToAddress(p.Key.PublicKey)
}

// WithTransferSplits routes the payment through the built-in transfer hook.
func (p *Payment) WithTransferSplits(t testing.TB, splits ...evm.Split) *Payment {
	t.Helper()
	data, err := evm.EncodeTransferSplits(splits)
	if err != nil {
		t.Fatalf("encode splits: %v", err)
	}
	p.Hook = TransferHook
	p.HookData = data
	return p
}

// Commitment returns the nonce the payer signs.
func (p *Payment) Commitment(t testing.TB) common.Hash {
	t.Helper()
	if p.Nonce != nil {
		return *p.Nonce
	}
	nonce, err := evm.CalculateCommitment(evm.CommitmentParams{
		ChainID:          p.Network.ChainID,
		SettlementRouter: p.Router,
		Token:            p.Token,
		From:             p.Payer(),
		Value:            p.Value,
		ValidAfter:       big.NewInt(p.ValidAfter),
		ValidBefore:      big.NewInt(p.ValidBefore),
		Salt:             p.Salt,
		PayTo:            p.PayTo,
		FacilitatorFee:   p.Fee,
		Hook:             p.Hook,
		HookData:         p.HookData,
	})
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	return nonce
}

// Build signs the payment and returns the wire payload and requirements.
func (p *Payment) Build(t testing.TB) (x402x.PaymentPayload, x402x.PaymentRequirements) {
	t.Helper()
	nonce := p.Commitment(t)
	auth := evm.Authorization{
		From:        p.Payer(),
		To:          p.Router,
		Value:       p.Value,
		ValidAfter:  big.NewInt(p.ValidAfter),
		ValidBefore: big.NewInt(p.ValidBefore),
		Nonce:       nonce,
	}
	digest, err := evm.HashEIP3009Authorization(auth, p.Network.ChainID, p.Token,
		p.Network.DefaultAsset.Name, p.Network.DefaultAsset.Version)
	if err != nil {
		t.Fatalf("hash authorization: %v", err)
	}
	sig, err := crypto.Sign(digest, p.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	wire := evm.ExactEIP3009Payload{
		Signature: hexutil.Encode(sig),
		Authorization: evm.ExactEIP3009Authorization{
			From:        auth.From.Hex(),
			To:          auth.To.Hex(),
			Value:       auth.Value.String(),
			ValidAfter:  auth.ValidAfter.String(),
			ValidBefore: auth.ValidBefore.String(),
			Nonce:       nonce.Hex(),
		},
	}

	hookData := "0x"
	if len(p.HookData) > 0 {
		hookData = hexutil.Encode(p.HookData)
	}
	requirements := x402x.PaymentRequirements{
		Scheme:            evm.SchemeExact,
		Network:           p.Network.Name,
		Asset:             p.Token.Hex(),
		MaxAmountRequired: p.Value.String(),
		PayTo:             p.Router.Hex(),
		MaxTimeoutSeconds: 300,
		Extra: map[string]interface{}{
			"name":             p.Network.DefaultAsset.Name,
			"version":          p.Network.DefaultAsset.Version,
			"settlementRouter": p.Router.Hex(),
			"salt":             p.Salt.Hex(),
			"payTo":            p.PayTo.Hex(),
			"facilitatorFee":   p.Fee.String(),
			"hook":             p.Hook.Hex(),
			"hookData":         hookData,
		},
	}
	payload := x402x.PaymentPayload{
		X402Version: 1,
		Scheme:      evm.SchemeExact,
		Network:     p.Network.Name,
		Payload:     wire.ToMap(),
	}
	return payload, requirements
}

// Request builds and parses the payment into a SettlementRequest.
func (p *Payment) Request(t testing.TB) *evm.SettlementRequest {
	t.Helper()
	payload, requirements := p.Build(t)
	req, err := evm.ParseSettlementRequest(Networks(t), payload, requirements, time.Now())
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return req
}
