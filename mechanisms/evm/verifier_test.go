package evm_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/mechanisms/evm/evmtest"
)

type routerSet map[common.Address]bool

func (r routerSet) CheckRouter(network x402x.Network, router common.Address) error {
	if !r[router] {
		return x402x.NewSettlementError(x402x.KindWhitelist, x402x.ReasonRouterNotWhitelisted, "router not allowed")
	}
	return nil
}

func newVerifier(t *testing.T, chain *evmtest.Chain) *evm.Verifier {
	t.Helper()
	return evm.NewVerifier(evmtest.Networks(t),
		evm.WithRouterChecker(routerSet{evmtest.Router: true}),
		evm.WithChainClients(evm.ChainClients{"base-sepolia": chain}),
	)
}

func TestVerifierAcceptsSignedPayment(t *testing.T) {
	payment := evmtest.NewPayment(t)
	payload, requirements := payment.Build(t)

	resp, err := newVerifier(t, evmtest.NewChain()).Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "invalid reason: %s", resp.InvalidReason)
	assert.Equal(t, payment.Payer().Hex(), resp.Payer)
}

func TestVerifierAcceptsCAIP2Network(t *testing.T) {
	payment := evmtest.NewPayment(t)
	payload, requirements := payment.Build(t)
	requirements.Network = "eip155:84532"
	payload.Network = "eip155:84532"

	resp, err := newVerifier(t, evmtest.NewChain()).Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "invalid reason: %s", resp.InvalidReason)
}

func TestVerifierRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements)
		reason string
	}{
		{
			name: "fee altered after signing",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				return func(_ *x402x.PaymentPayload, r *x402x.PaymentRequirements) {
					r.Extra["facilitatorFee"] = "1"
				}
			},
			reason: x402x.ReasonCommitmentMismatch,
		},
		{
			name: "recipient altered after signing",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				return func(_ *x402x.PaymentPayload, r *x402x.PaymentRequirements) {
					r.Extra["payTo"] = common.HexToAddress("0xbad").Hex()
				}
			},
			reason: x402x.ReasonCommitmentMismatch,
		},
		{
			name: "expired authorization",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				p.ValidBefore = time.Now().Unix() + 3
				return nil
			},
			reason: x402x.ReasonAuthorizationExpired,
		},
		{
			name: "authorization not yet valid",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				p.ValidAfter = time.Now().Unix() + 600
				return nil
			},
			reason: x402x.ReasonAuthorizationNotYet,
		},
		{
			name: "router not whitelisted",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				p.Router = common.HexToAddress("0x9999999999999999999999999999999999999999")
				return nil
			},
			reason: x402x.ReasonRouterNotWhitelisted,
		},
		{
			name: "signature by another key",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				other := evmtest.NewPayment(t)
				return func(pl *x402x.PaymentPayload, _ *x402x.PaymentRequirements) {
					auth := pl.Payload["authorization"].(map[string]interface{})
					auth["from"] = other.Payer().Hex()
				}
			},
			reason: x402x.ReasonCommitmentMismatch,
		},
		{
			name: "value below required amount",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				return func(_ *x402x.PaymentPayload, r *x402x.PaymentRequirements) {
					r.MaxAmountRequired = "2000000"
				}
			},
			reason: x402x.ReasonInvalidAmount,
		},
		{
			name: "unknown network",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				return func(pl *x402x.PaymentPayload, r *x402x.PaymentRequirements) {
					r.Network = "polygon"
					pl.Network = "polygon"
				}
			},
			reason: x402x.ReasonNetworkNotConfigured,
		},
		{
			name: "malformed salt",
			mutate: func(t *testing.T, p *evmtest.Payment) func(*x402x.PaymentPayload, *x402x.PaymentRequirements) {
				return func(_ *x402x.PaymentPayload, r *x402x.PaymentRequirements) {
					r.Extra["salt"] = "0x1234"
				}
			},
			reason: x402x.ReasonInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payment := evmtest.NewPayment(t)
			after := tt.mutate(t, payment)
			payload, requirements := payment.Build(t)
			if after != nil {
				after(&payload, &requirements)
			}

			resp, err := newVerifier(t, evmtest.NewChain()).Verify(context.Background(), payload, requirements)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
		})
	}
}

func TestVerifierDetectsTamperedSignature(t *testing.T) {
	payment := evmtest.NewPayment(t)
	payload, requirements := payment.Build(t)
	sig := payload.Payload["signature"].(string)
	// flip a byte inside s
	tampered := []byte(sig)
	if tampered[80] == 'a' {
		tampered[80] = 'b'
	} else {
		tampered[80] = 'a'
	}
	payload.Payload["signature"] = string(tampered)

	resp, err := newVerifier(t, evmtest.NewChain()).Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402x.ReasonInvalidSignature, resp.InvalidReason)
}

func TestVerifierChecksBalance(t *testing.T) {
	payment := evmtest.NewPayment(t)
	payload, requirements := payment.Build(t)

	chain := evmtest.NewChain()
	chain.Balances[payment.Payer()] = big.NewInt(5)

	resp, err := newVerifier(t, chain).Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402x.ReasonInsufficientBalance, resp.InvalidReason)

	offChain := evm.NewVerifier(evmtest.Networks(t), evm.WithChainClients(evm.ChainClients{"base-sepolia": chain}), evm.WithOnChainChecks(false))
	resp, err = offChain.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestSettlementKeyBindsPayer(t *testing.T) {
	mechanism := evm.NewExactEvmFacilitator(evmtest.Networks(t), newVerifier(t, evmtest.NewChain()), nil, nil)

	a := evmtest.NewPayment(t)
	b := evmtest.NewPayment(t)
	b.Salt = a.Salt

	payloadA, requirementsA := a.Build(t)
	keyA, err := mechanism.SettlementKey(payloadA, requirementsA)
	require.NoError(t, err)
	again, err := mechanism.SettlementKey(payloadA, requirementsA)
	require.NoError(t, err)
	assert.Equal(t, keyA, again)

	payloadB, requirementsB := b.Build(t)
	keyB, err := mechanism.SettlementKey(payloadB, requirementsB)
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyB, "a shared salt must not share cached results across payers")

	reqA := a.Request(t)
	reqB := b.Request(t)
	assert.Equal(t, reqA.SettlementKey(), reqB.SettlementKey())
	assert.Equal(t, reqA.ReplayKey(), keyA)
}

func TestSettlementKeyRejectsMalformedPayload(t *testing.T) {
	mechanism := evm.NewExactEvmFacilitator(evmtest.Networks(t), newVerifier(t, evmtest.NewChain()), nil, nil)
	payload, requirements := evmtest.NewPayment(t).Build(t)
	payload.Payload = map[string]interface{}{"signature": "0x01"}

	_, err := mechanism.SettlementKey(payload, requirements)
	assert.Equal(t, x402x.ReasonInvalidPayload, x402x.ReasonOf(err))
}
