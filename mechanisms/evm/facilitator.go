package evm

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402x "github.com/x402x/facilitator"
)

// Settler executes a verified settlement request and reports its single
// terminal result.
type Settler interface {
	Settle(ctx context.Context, req *SettlementRequest) x402x.SettlementResult
}

// SignerDirectory lists the facilitator accounts per network.
type SignerDirectory interface {
	Addresses(network x402x.Network) []string
}

// ExactEvmFacilitator implements x402x.SchemeNetworkFacilitator for the
// exact scheme settled through a SettlementRouter.
type ExactEvmFacilitator struct {
	networks *Networks
	verifier *Verifier
	settler  Settler
	signers  SignerDirectory
}

// NewExactEvmFacilitator creates a new ExactEvmFacilitator
func NewExactEvmFacilitator(networks *Networks, verifier *Verifier, settler Settler, signers SignerDirectory) *ExactEvmFacilitator {
	return &ExactEvmFacilitator{
		networks: networks,
		verifier: verifier,
		settler:  settler,
		signers:  signers,
	}
}

// Scheme returns the scheme identifier
func (f *ExactEvmFacilitator) Scheme() string {
	return SchemeExact
}

// CaipFamily returns the CAIP family pattern this facilitator supports.
func (f *ExactEvmFacilitator) CaipFamily() string {
	return CaipFamily
}

// GetExtra advertises the default asset for the network.
func (f *ExactEvmFacilitator) GetExtra(network x402x.Network) map[string]interface{} {
	cfg, ok := f.networks.Lookup(network)
	if !ok {
		return nil
	}
	extra := map[string]interface{}{
		"asset":   cfg.DefaultAsset.Address.Hex(),
		"name":    cfg.DefaultAsset.Name,
		"version": cfg.DefaultAsset.Version,
	}
	if cfg.TransferHook != (common.Address{}) {
		extra["transferHook"] = cfg.TransferHook.Hex()
	}
	return extra
}

// GetSigners returns the facilitator accounts for the network.
func (f *ExactEvmFacilitator) GetSigners(network x402x.Network) []string {
	cfg, ok := f.networks.Lookup(network)
	if !ok || f.signers == nil {
		return nil
	}
	return f.signers.Addresses(cfg.Name)
}

// Verify verifies a payment payload against requirements
func (f *ExactEvmFacilitator) Verify(ctx context.Context, payload x402x.PaymentPayload, requirements x402x.PaymentRequirements) (x402x.VerifyResponse, error) {
	return f.verifier.Verify(ctx, payload, requirements)
}

// Settle verifies the payment off-chain and hands it to the settler.
func (f *ExactEvmFacilitator) Settle(ctx context.Context, payload x402x.PaymentPayload, requirements x402x.PaymentRequirements) (x402x.SettleResponse, error) {
	req, err := f.verifier.CheckOffChain(payload, requirements)
	if err != nil {
		resp := x402x.SettleResponse{
			Success:     false,
			ErrorReason: x402x.ReasonOf(err),
			Network:     requirements.Network,
		}
		if req != nil {
			resp.Payer = req.Payer().Hex()
		}
		return resp, err
	}

	result := f.settler.Settle(ctx, req)
	resp := result.Response()
	resp.Network = requirements.Network
	if !result.Success {
		err := result.Err
		if err == nil {
			err = x402x.NewSettlementError(x402x.KindRPC, result.ErrorReason, "settlement failed")
		}
		return resp, err
	}
	return resp, nil
}

// SettlementKey identifies the settlement by network, router and salt and
// binds it to the payer's authorization, so a cached result is never
// replayed to a different payer reusing the salt.
func (f *ExactEvmFacilitator) SettlementKey(payload x402x.PaymentPayload, requirements x402x.PaymentRequirements) (string, error) {
	req, err := ParseSettlementRequest(f.networks, payload, requirements, time.Now())
	if err != nil {
		return "", err
	}
	return req.ReplayKey(), nil
}

var _ x402x.SchemeNetworkFacilitator = (*ExactEvmFacilitator)(nil)
