// Package idempotency remembers which settlements already succeeded.
//
// # Overview
//
// A settlement is identified by its (network, router, salt) key. The router
// accepts a salt at most once, so once a settlement with a given key is
// confirmed, every later request for the same key can be answered with the
// recorded transaction instead of a new submission that would revert.
//
// The in-flight de-duplication of concurrent identical requests lives in
// the facilitator's SettlementCache; this package covers the window after
// a result left that cache, including restarts when a persistent store is
// used.
//
// # Usage
//
// Single instance:
//
//	store := idempotency.NewMemoryStore(100_000)
//
// Shared between instances:
//
//	store, err := idempotency.NewPostgresStore(ctx, os.Getenv("DATABASE_URL"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Stores are passed to the settlement engine, which consults them before
// admission and again on the account lane, and records every confirmed
// settlement.
package idempotency
