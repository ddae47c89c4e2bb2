package idempotency

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	x402x "github.com/x402x/facilitator"
)

// PostgresStore persists settlements in a PostgreSQL table so that every
// facilitator instance sees them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS settled_settlements (
    key TEXT PRIMARY KEY,
    network TEXT NOT NULL,
    context_key TEXT NOT NULL DEFAULT '',
    tx_hash TEXT NOT NULL,
    payer TEXT NOT NULL,
    settled_at TIMESTAMPTZ NOT NULL
);
`

const addContextKeySQL = `
ALTER TABLE settled_settlements ADD COLUMN IF NOT EXISTS context_key TEXT NOT NULL DEFAULT ''
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range []string{createTableSQL, addContextKeySQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT key, network, context_key, tx_hash, payer, settled_at
FROM settled_settlements
WHERE key = $1
`, key)

	var rec Record
	var network string
	if err := row.Scan(&rec.Key, &network, &rec.ContextKey, &rec.Transaction, &rec.Payer, &rec.SettledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Network = x402x.Network(network)
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO settled_settlements (key, network, context_key, tx_hash, payer, settled_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO NOTHING
`, record.Key, string(record.Network), record.ContextKey, record.Transaction, record.Payer, record.SettledAt)
	return err
}

var _ SettledStore = (*PostgresStore)(nil)
