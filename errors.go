package x402x

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrorKind classifies a settlement failure by who caused it and whether
// retrying can help.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota
	KindValidation
	KindWhitelist
	KindInsufficientFee
	KindPreValidation
	KindOverload
	KindRPC
	KindNonce
	KindRevert
	KindConfirmationTimeout
)

var kindNames = map[ErrorKind]string{
	KindConfiguration:       "configuration",
	KindValidation:          "validation",
	KindWhitelist:           "whitelist",
	KindInsufficientFee:     "insufficient_fee",
	KindPreValidation:       "pre_validation",
	KindOverload:            "overload",
	KindRPC:                 "rpc",
	KindNonce:               "nonce",
	KindRevert:              "revert",
	KindConfirmationTimeout: "confirmation_timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the failure is transient infrastructure trouble.
func (k ErrorKind) Retryable() bool {
	return k == KindOverload || k == KindRPC || k == KindNonce
}

// ClientCaused reports whether the caller has to change the request.
func (k ErrorKind) ClientCaused() bool {
	switch k {
	case KindValidation, KindWhitelist, KindInsufficientFee, KindPreValidation:
		return true
	}
	return false
}

// Reason codes surfaced to HTTP callers.
const (
	ReasonInvalidPayload          = "invalid_payload"
	ReasonInvalidScheme           = "invalid_scheme"
	ReasonInvalidSignature        = "invalid_signature"
	ReasonInvalidAmount           = "invalid_amount"
	ReasonRecipientMismatch       = "recipient_mismatch"
	ReasonCommitmentMismatch      = "commitment_mismatch"
	ReasonAuthorizationExpired    = "authorization_expired"
	ReasonAuthorizationNotYet     = "authorization_not_yet_valid"
	ReasonNonceAlreadyUsed        = "authorization_already_used"
	ReasonInsufficientBalance     = "insufficient_balance"
	ReasonNetworkNotConfigured    = "network_not_configured"
	ReasonRouterNotWhitelisted    = "settlement_router_not_whitelisted"
	ReasonHookNotWhitelisted      = "hook_not_whitelisted"
	ReasonInsufficientFee         = "insufficient_facilitator_fee"
	ReasonInvalidHookData         = "invalid_hook_data"
	ReasonWouldRevert             = "would_revert"
	ReasonOverloaded              = "facilitator_overloaded"
	ReasonRPCError                = "rpc_error"
	ReasonNonceConflict           = "nonce_conflict"
	ReasonTransactionReverted     = "transaction_reverted"
	ReasonConfirmationTimeout     = "confirmation_timeout"
	ReasonAlreadySettled          = "already_settled"
	ReasonSettlementInProgress    = "settlement_in_progress"
	ReasonFacilitatorShuttingDown = "facilitator_unavailable"
	ReasonConfiguration           = "facilitator_misconfigured"
)

// SettlementError is the typed failure carried through the engine.
type SettlementError struct {
	Kind    ErrorKind
	Reason  string
	Message string

	// MinFee is the computed minimum for KindInsufficientFee.
	MinFee *big.Int
	// RetryAfter is the suggested delay for KindOverload.
	RetryAfter time.Duration
	// Transaction is set once a transaction hash exists.
	Transaction string

	Err error
}

func (e *SettlementError) Error() string {
	msg := e.Reason
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// NewSettlementError creates a new settlement error
func NewSettlementError(kind ErrorKind, reason, message string) *SettlementError {
	return &SettlementError{Kind: kind, Reason: reason, Message: message}
}

// WrapSettlementError attaches a cause to a new settlement error.
func WrapSettlementError(kind ErrorKind, reason string, err error) *SettlementError {
	return &SettlementError{Kind: kind, Reason: reason, Err: err}
}

// SettlementInProgress reports a settlement that is still running after
// its caller stopped waiting. tx is empty until a transaction was sent.
func SettlementInProgress(tx string, retryAfter time.Duration, cause error) *SettlementError {
	return &SettlementError{
		Kind:        KindOverload,
		Reason:      ReasonSettlementInProgress,
		Message:     "settlement is still running",
		RetryAfter:  retryAfter,
		Transaction: tx,
		Err:         cause,
	}
}

// AsSettlementError extracts a *SettlementError from an error chain.
func AsSettlementError(err error) (*SettlementError, bool) {
	var se *SettlementError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ReasonOf returns the reason code for err, or a generic code for untyped
// errors so that internal text never reaches callers.
func ReasonOf(err error) string {
	if se, ok := AsSettlementError(err); ok {
		return se.Reason
	}
	if errors.Is(err, ErrShuttingDown) {
		return ReasonFacilitatorShuttingDown
	}
	return ReasonRPCError
}

// ErrShuttingDown is returned once the facilitator stopped admitting work.
var ErrShuttingDown = errors.New("facilitator is shutting down")
