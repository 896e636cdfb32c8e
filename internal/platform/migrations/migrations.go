// Package migrations applies the wallet layer database schema.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// statements are applied in order; each must be idempotent.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS session_keys (
		id                  TEXT PRIMARY KEY,
		wallet_id           TEXT NOT NULL,
		user_id             TEXT NOT NULL,
		agent_id            TEXT NOT NULL,
		allowed_actions     JSONB NOT NULL DEFAULT '[]',
		allowed_chains      JSONB NOT NULL DEFAULT '[]',
		allowed_tokens      JSONB NOT NULL DEFAULT '[]',
		spending_limit      BIGINT NOT NULL,
		spending_used       BIGINT NOT NULL DEFAULT 0,
		max_per_transaction BIGINT NOT NULL DEFAULT 0,
		expires_at          TIMESTAMPTZ NOT NULL,
		auto_renew          BOOLEAN NOT NULL DEFAULT FALSE,
		status              TEXT NOT NULL,
		version             BIGINT NOT NULL DEFAULT 1,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		CONSTRAINT spending_within_limit CHECK (spending_used >= 0 AND spending_used <= spending_limit)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_keys_agent
		ON session_keys (wallet_id, user_id, agent_id, status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id                   TEXT PRIMARY KEY,
		wallet_id            TEXT NOT NULL,
		user_id              TEXT NOT NULL,
		session_key_id       TEXT NOT NULL DEFAULT '',
		source_chain         TEXT NOT NULL,
		destination_chain    TEXT NOT NULL,
		source_domain        BIGINT NOT NULL,
		destination_domain   BIGINT NOT NULL,
		source_contract      TEXT NOT NULL,
		destination_contract TEXT NOT NULL,
		source_token         TEXT NOT NULL,
		destination_token    TEXT NOT NULL,
		depositor            TEXT NOT NULL,
		recipient            TEXT NOT NULL,
		signer               TEXT NOT NULL,
		destination_caller   TEXT NOT NULL,
		value                BIGINT NOT NULL,
		salt                 TEXT NOT NULL UNIQUE,
		hook_data            BYTEA,
		fast                 BOOLEAN NOT NULL DEFAULT FALSE,
		status               TEXT NOT NULL,
		source_tx_hash       TEXT NOT NULL DEFAULT '',
		message              BYTEA,
		attestation          BYTEA,
		destination_tx_hash  TEXT NOT NULL DEFAULT '',
		error                TEXT NOT NULL DEFAULT '',
		progress             INT NOT NULL DEFAULT 0,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL,
		completed_at         TIMESTAMPTZ
	)`,
	`ALTER TABLE transfers ADD COLUMN IF NOT EXISTS session_key_id TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_wallet ON transfers (wallet_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_stuck ON transfers (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS challenges (
		id         TEXT PRIMARY KEY,
		wallet_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		action     TEXT NOT NULL,
		params     BYTEA,
		reason     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// Apply executes all schema statements against the database.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
