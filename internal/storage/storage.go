// Package storage opens the shared embedded sqlite database and runs its
// migrations (spec §6.2). Both the Credential Store and the Message Log
// Store are backed by this single *sql.DB: sqlite serializes writes
// internally, giving the single-writer discipline spec §4.1 requires.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens (and creates, if missing) the sqlite database named by dsn.
// dsn may carry the "sqlite:" scheme prefix used in spec §6.1's
// DATABASE_URL; it is stripped before being handed to the driver.
func Open(dsn string) (*sql.DB, error) {
	path := strings.TrimPrefix(dsn, "sqlite:")
	db, err := sql.Open("sqlite", path+pragmaSuffix(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc sqlite: one writer connection avoids SQLITE_BUSY under concurrent writes
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

func pragmaSuffix(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return sep + "_pragma=foreign_keys(1)"
}

// Migrate creates the credentials, credential_topics, and message_logs
// tables and their indexes if they do not already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL,
			app_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			fcm_token TEXT,
			gcm_token TEXT,
			android_id INTEGER,
			security_token INTEGER,
			private_key TEXT,
			auth_secret TEXT,
			webhook_url TEXT NOT NULL,
			webhook_headers TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			is_suspended BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credential_topics (
			credential_id TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			topic TEXT NOT NULL,
			PRIMARY KEY (credential_id, topic)
		)`,
		`CREATE TABLE IF NOT EXISTS message_logs (
			id TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			fcm_message_id TEXT,
			payload TEXT NOT NULL,
			webhook_status INTEGER,
			webhook_response TEXT,
			received_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_logs_cred_received ON message_logs(credential_id, received_at DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_message_logs_cred_fcmid ON message_logs(credential_id, fcm_message_id) WHERE fcm_message_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_active ON credentials(is_active, is_suspended)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running migration %q: %w", stmt, err)
		}
	}
	return nil
}
