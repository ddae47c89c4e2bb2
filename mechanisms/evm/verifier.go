package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402x "github.com/x402x/facilitator"
)

// RouterChecker rejects settlement routers that are not allowed on a network.
type RouterChecker interface {
	CheckRouter(network x402x.Network, router common.Address) error
}

// Verifier runs the signature and authorization checks shared by /verify
// and /settle. It never reserves settlement capacity.
type Verifier struct {
	networks      *Networks
	clients       ChainClients
	routers       RouterChecker
	onChainChecks bool
	now           func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithChainClients enables on-chain reads through the given clients.
func WithChainClients(clients ChainClients) VerifierOption {
	return func(v *Verifier) {
		v.clients = clients
	}
}

// WithRouterChecker rejects payments addressed to unknown routers.
func WithRouterChecker(routers RouterChecker) VerifierOption {
	return func(v *Verifier) {
		v.routers = routers
	}
}

// WithOnChainChecks toggles the authorizationState and balanceOf reads.
//
// Default: enabled when chain clients are configured
func WithOnChainChecks(enabled bool) VerifierOption {
	return func(v *Verifier) {
		v.onChainChecks = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier for the given networks.
func NewVerifier(networks *Networks, opts ...VerifierOption) *Verifier {
	v := &Verifier{networks: networks, onChainChecks: true, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether the payment would be accepted for settlement.
// Client faults produce an invalid response and a nil error.
func (v *Verifier) Verify(ctx context.Context, payload x402x.PaymentPayload, requirements x402x.PaymentRequirements) (x402x.VerifyResponse, error) {
	req, err := v.Check(ctx, payload, requirements)
	if err != nil {
		if se, ok := x402x.AsSettlementError(err); ok && se.Kind.ClientCaused() {
			resp := x402x.VerifyResponse{IsValid: false, InvalidReason: se.Reason}
			if req != nil {
				resp.Payer = req.Payer().Hex()
			}
			return resp, nil
		}
		return x402x.VerifyResponse{IsValid: false, InvalidReason: x402x.ReasonOf(err)}, err
	}
	return x402x.VerifyResponse{IsValid: true, Payer: req.Payer().Hex()}, nil
}

// Check parses the request and runs every verification. The parsed request
// is returned even when a later check fails so callers can report the payer.
func (v *Verifier) Check(ctx context.Context, payload x402x.PaymentPayload, requirements x402x.PaymentRequirements) (*SettlementRequest, error) {
	return v.check(ctx, payload, requirements, v.onChainChecks && v.clients != nil)
}

// CheckOffChain runs every check that needs no RPC. The settle path uses it
// and leaves chain state to the executor's lane.
func (v *Verifier) CheckOffChain(payload x402x.PaymentPayload, requirements x402x.PaymentRequirements) (*SettlementRequest, error) {
	return v.check(context.Background(), payload, requirements, false)
}

func (v *Verifier) check(ctx context.Context, payload x402x.PaymentPayload, requirements x402x.PaymentRequirements, onChain bool) (*SettlementRequest, error) {
	now := v.now()
	req, err := ParseSettlementRequest(v.networks, payload, requirements, now)
	if err != nil {
		return nil, err
	}

	if v.routers != nil {
		if err := v.routers.CheckRouter(req.Network.Name, req.Extra.SettlementRouter); err != nil {
			return req, err
		}
	}

	if req.Authorization.To != req.Extra.SettlementRouter {
		return req, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonRecipientMismatch,
			"authorization must be addressed to the settlement router")
	}
	if req.Authorization.Value.Cmp(req.RequiredAmount) < 0 {
		return req, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidAmount,
			fmt.Sprintf("authorized %s below required %s", req.Authorization.Value, req.RequiredAmount))
	}
	if req.Authorization.Value.Cmp(req.Extra.FacilitatorFee) < 0 {
		return req, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidAmount,
			"facilitator fee exceeds the authorized value")
	}
	if req.ExpiresWithin(now, ValidBeforeBuffer*time.Second) {
		return req, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonAuthorizationExpired,
			"authorization expires before it can be settled")
	}
	if req.NotYetValid(now) {
		return req, x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonAuthorizationNotYet,
			"authorization is not yet valid")
	}

	if err := ValidateCommitment(req.CommitmentParams(), req.Authorization.Nonce); err != nil {
		return req, err
	}

	if err := v.verifySignature(req); err != nil {
		return req, err
	}

	if onChain {
		if err := v.checkOnChain(ctx, req); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (v *Verifier) verifySignature(req *SettlementRequest) error {
	name, version := req.Extra.Name, req.Extra.Version
	if name == "" || version == "" {
		if req.Token != req.Network.DefaultAsset.Address {
			return x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidPayload,
				"extra.name and extra.version are required for this asset")
		}
		if name == "" {
			name = req.Network.DefaultAsset.Name
		}
		if version == "" {
			version = req.Network.DefaultAsset.Version
		}
	}

	digest, err := HashEIP3009Authorization(req.Authorization, req.Network.ChainID, req.Token, name, version)
	if err != nil {
		return x402x.WrapSettlementError(x402x.KindValidation, x402x.ReasonInvalidPayload, err)
	}
	signer, err := RecoverSigner(digest, req.Signature)
	if err != nil {
		return x402x.WrapSettlementError(x402x.KindValidation, x402x.ReasonInvalidSignature, err)
	}
	if signer != req.Authorization.From {
		return x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidSignature,
			fmt.Sprintf("signature recovers to %s", signer.Hex()))
	}
	return nil
}

func (v *Verifier) checkOnChain(ctx context.Context, req *SettlementRequest) error {
	client, err := v.clients.Get(req.Network.Name)
	if err != nil {
		return err
	}

	used, err := AuthorizationUsed(ctx, client, req.Token, req.Authorization.From, req.Authorization.Nonce)
	if err != nil {
		return x402x.WrapSettlementError(x402x.KindRPC, x402x.ReasonRPCError, err)
	}
	if used {
		return x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonNonceAlreadyUsed,
			"authorization nonce already used")
	}

	balance, err := BalanceOf(ctx, client, req.Token, req.Authorization.From)
	if err != nil {
		return x402x.WrapSettlementError(x402x.KindRPC, x402x.ReasonRPCError, err)
	}
	if balance.Cmp(req.Authorization.Value) < 0 {
		return x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInsufficientBalance,
			fmt.Sprintf("balance %s below %s", balance, req.Authorization.Value))
	}
	return nil
}
