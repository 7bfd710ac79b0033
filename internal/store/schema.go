package store

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id     TEXT PRIMARY KEY,
		balance_micros BIGINT NOT NULL DEFAULT 0,
		version        BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_updated_at ON accounts (updated_at)`,
	`CREATE TABLE IF NOT EXISTS charges (
		operation_id  TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL REFERENCES accounts (account_id),
		amount_micros BIGINT NOT NULL,
		kind          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_charges_account ON charges (account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		last_seq        BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		seq             BIGINT NOT NULL,
		message_id      TEXT NOT NULL UNIQUE,
		role            TEXT NOT NULL,
		sender_id       TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		blob_id      TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		size_bytes   BIGINT NOT NULL,
		data         BYTEA NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id     TEXT PRIMARY KEY,
		balance_micros INTEGER NOT NULL DEFAULT 0,
		version        INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_updated_at ON accounts (updated_at)`,
	`CREATE TABLE IF NOT EXISTS charges (
		operation_id  TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL REFERENCES accounts (account_id),
		amount_micros INTEGER NOT NULL,
		kind          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_charges_account ON charges (account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		last_seq        INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		message_id      TEXT NOT NULL UNIQUE,
		role            TEXT NOT NULL,
		sender_id       TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		blob_id      TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL,
		data         BLOB NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
}

// Migrate creates any missing tables and indexes. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.driver == DriverSQLite {
		stmts = sqliteSchema
	}

	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	s.log.Info().Int("statements", len(stmts)).Msg("schema migrated")
	return nil
}
