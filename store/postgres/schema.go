package postgres

import (
	"context"
	"fmt"
)

// Schema creates the tables used by Store. Migrations are managed outside
// this package; EnsureSchema is for development databases and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS payments (
    id          TEXT PRIMARY KEY,
    wallet      TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    nonce       BIGINT,
    intent      JSONB       NOT NULL,
    data        JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_wallet_idx ON payments (lower(wallet), created_at DESC);

CREATE TABLE IF NOT EXISTS approvals (
    id                 TEXT PRIMARY KEY,
    wallet             TEXT        NOT NULL,
    decision           TEXT        NOT NULL,
    required_approvals INTEGER     NOT NULL,
    approvers          JSONB       NOT NULL DEFAULT '[]',
    data               JSONB       NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS approvals_decision_idx ON approvals (decision, created_at);

CREATE TABLE IF NOT EXISTS subscriptions (
    id                    TEXT PRIMARY KEY,
    wallet                TEXT        NOT NULL,
    service_id            TEXT        NOT NULL DEFAULT '',
    service_url           TEXT        NOT NULL,
    amount                NUMERIC     NOT NULL,
    token                 TEXT        NOT NULL,
    renewal_interval_days INTEGER     NOT NULL,
    expires_at            TIMESTAMPTZ NOT NULL,
    renewal_count         INTEGER     NOT NULL DEFAULT 0,
    last_tx_ref           TEXT        NOT NULL DEFAULT '',
    status                TEXT        NOT NULL,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS subscriptions_expiry_idx ON subscriptions (status, expires_at);
`

// EnsureSchema executes Schema
func EnsureSchema(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
