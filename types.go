package x402x

import (
	"strings"
)

// Network identifies a chain either by its short name ("base-sepolia") or
// by CAIP-2 ("eip155:84532").
type Network string

// IsCAIP2 reports whether the network is written as namespace:reference.
func (n Network) IsCAIP2() bool {
	return strings.Count(string(n), ":") == 1
}

// PaymentRequirements is what the resource server asked the payer for.
// Extra carries the settlement parameters (router, salt, payTo, fee, hook,
// hookData) that the commitment binds.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount,omitempty"`            // v2 field
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"` // v1 field
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// RequiredAmount returns the amount field for whichever protocol version
// populated it.
func (r PaymentRequirements) RequiredAmount() string {
	if r.Amount != "" {
		return r.Amount
	}
	return r.MaxAmountRequired
}

// PaymentPayload contains the signed payment authorization from a client
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme,omitempty"`
	Network     Network                `json:"network,omitempty"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    *PaymentRequirements   `json:"accepted,omitempty"`
}

// SchemeName returns the payload scheme, falling back to the accepted
// requirements for v2 payloads.
func (p PaymentPayload) SchemeName() string {
	if p.Scheme != "" {
		return p.Scheme
	}
	if p.Accepted != nil {
		return p.Accepted.Scheme
	}
	return ""
}

// NetworkName returns the payload network, falling back to the accepted
// requirements for v2 payloads.
func (p PaymentPayload) NetworkName() Network {
	if p.Network != "" {
		return p.Network
	}
	if p.Accepted != nil {
		return p.Accepted.Network
	}
	return ""
}

// VerifyRequest contains the payment to verify
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version,omitempty"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest contains the payment to settle
type SettleRequest struct {
	X402Version         int                 `json:"x402Version,omitempty"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SettlementResult is produced once per admitted request and never mutated
// afterwards. Err keeps the typed failure for internal routing; only the
// reason code reaches callers.
type SettlementResult struct {
	Success     bool
	Transaction string
	Payer       string
	Network     Network
	ErrorReason string
	Err         error
}

// Response converts the result into its wire form.
func (r SettlementResult) Response() SettleResponse {
	return SettleResponse{
		Success:     r.Success,
		ErrorReason: r.ErrorReason,
		Payer:       r.Payer,
		Transaction: r.Transaction,
		Network:     r.Network,
	}
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers,omitempty"`
}
