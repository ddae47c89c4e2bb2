package idempotency

import (
	"context"
	"strings"
	"time"

	x402x "github.com/x402x/facilitator"
)

// Record is a confirmed settlement.
type Record struct {
	Key     string        `json:"key"`
	Network x402x.Network `json:"network"`
	// ContextKey is the router's settlement context key, binding the record
	// to the payer, token and authorization nonce that settled.
	ContextKey  string    `json:"contextKey"`
	Transaction string    `json:"transaction"`
	Payer       string    `json:"payer"`
	SettledAt   time.Time `json:"settledAt"`
}

// Matches reports whether the record was settled by the authorization with
// the given context key. Only a matching record may be replayed as success.
func (r Record) Matches(contextKey string) bool {
	return r.ContextKey != "" && strings.EqualFold(r.ContextKey, contextKey)
}

// Result converts the record into the settlement result it stands for.
func (r Record) Result() x402x.SettlementResult {
	return x402x.SettlementResult{
		Success:     true,
		Transaction: r.Transaction,
		Payer:       r.Payer,
		Network:     r.Network,
	}
}

// SettledStore persists confirmed settlements by key. Implementations must
// be safe for concurrent use.
type SettledStore interface {
	// Get returns the record for key, or nil when the key never settled.
	Get(ctx context.Context, key string) (*Record, error)
	// Save records a settlement. Saving an existing key keeps the first
	// record.
	Save(ctx context.Context, record Record) error
}
