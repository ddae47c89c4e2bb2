package x402x

import "context"

// SchemeNetworkFacilitator is implemented by a settlement mechanism that
// verifies and settles payments for one scheme on a family of networks.
type SchemeNetworkFacilitator interface {
	// Scheme returns the payment scheme identifier, e.g. "exact".
	Scheme() string

	// CaipFamily returns the CAIP family pattern this mechanism serves,
	// e.g. "eip155:*". Used to group signers in the supported response.
	CaipFamily() string

	// GetExtra returns mechanism-specific data for the supported response.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the facilitator addresses that submit transactions
	// on the given network.
	GetSigners(network Network) []string

	// Verify checks the payload without reserving any capacity.
	// Client faults come back as an invalid response with a nil error.
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)

	// Settle admits, submits and confirms the settlement. Any failure is
	// returned as a *SettlementError alongside a response carrying its
	// reason code.
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)

	// SettlementKey identifies the settlement intent so that concurrent
	// duplicates can share one execution.
	SettlementKey(payload PaymentPayload, requirements PaymentRequirements) (string, error)
}
