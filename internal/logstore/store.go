// Package logstore implements the Message Log Store (spec §4.2): a
// persistent, append-only log of received messages per credential, with
// dedup lookup and bounded retention.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agusibrahim/fcm-worker/internal/model"
)

// ErrNotFound is returned by operations that target a message log id that
// does not exist.
var ErrNotFound = errors.New("messagelog: not found")

// Store is a sqlite-backed Message Log Store.
type Store struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert appends a MessageLog row. The caller is responsible for having
// already checked IsFCMMessageDuplicate (spec §4.2).
func (s *Store) Insert(ctx context.Context, l *model.MessageLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.ReceivedAt.IsZero() {
		l.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs (id, credential_id, fcm_message_id, payload, webhook_status, webhook_response, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CredentialID, l.FCMMessageID, l.Payload, l.WebhookStatus, l.WebhookResponse, l.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message log %s: %w", l.ID, err)
	}
	return nil
}

// IsFCMMessageDuplicate reports whether (credentialID, fcmMessageID)
// already has a row (spec's persistent dedup, property 4).
func (s *Store) IsFCMMessageDuplicate(ctx context.Context, credentialID, fcmMessageID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM message_logs WHERE credential_id = ? AND fcm_message_id = ? LIMIT 1`,
		credentialID, fcmMessageID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking fcm message duplicate: %w", err)
	}
	return true, nil
}

// CleanupOld deletes all rows for credentialID except the keepN most
// recent by received_at, returning the number of rows deleted (spec's
// retention bound, property 3).
func (s *Store) CleanupOld(ctx context.Context, credentialID string, keepN int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM message_logs
		WHERE credential_id = ? AND id NOT IN (
			SELECT id FROM message_logs WHERE credential_id = ?
			ORDER BY received_at DESC LIMIT ?
		)`,
		credentialID, credentialID, keepN,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old message logs for %s: %w", credentialID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateWebhookOutcome overwrites the webhook_status/webhook_response of a
// log row. Idempotent: calling it repeatedly with the same arguments is a
// no-op beyond re-writing identical values.
func (s *Store) UpdateWebhookOutcome(ctx context.Context, logID string, status int, response string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE message_logs SET webhook_status=?, webhook_response=? WHERE id=?`,
		status, response, logID)
	if err != nil {
		return fmt.Errorf("updating webhook outcome for %s: %w", logID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a single MessageLog by id, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id string) (*model.MessageLog, error) {
	row := s.db.QueryRowContext(ctx, baseSelect+` WHERE id = ?`, id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message log %s: %w", id, err)
	}
	return l, nil
}

// List returns message logs ordered by received_at DESC, optionally
// scoped to one credential, with pagination.
func (s *Store) List(ctx context.Context, credentialID *string, limit, offset int) ([]*model.MessageLog, error) {
	query := baseSelect
	args := []any{}
	if credentialID != nil {
		query += ` WHERE credential_id = ?`
		args = append(args, *credentialID)
	}
	query += ` ORDER BY received_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing message logs: %w", err)
	}
	defer rows.Close()

	var out []*model.MessageLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Count returns the number of message logs, optionally scoped to one
// credential.
func (s *Store) Count(ctx context.Context, credentialID *string) (int, error) {
	query := `SELECT COUNT(*) FROM message_logs`
	args := []any{}
	if credentialID != nil {
		query += ` WHERE credential_id = ?`
		args = append(args, *credentialID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting message logs: %w", err)
	}
	return n, nil
}

// Clear removes all message logs for a credential, returning the count
// deleted.
func (s *Store) Clear(ctx context.Context, credentialID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_logs WHERE credential_id = ?`, credentialID)
	if err != nil {
		return 0, fmt.Errorf("clearing message logs for %s: %w", credentialID, err)
	}
	return res.RowsAffected()
}

const baseSelect = `SELECT id, credential_id, fcm_message_id, payload, webhook_status, webhook_response, received_at FROM message_logs`

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (*model.MessageLog, error) {
	var l model.MessageLog
	if err := row.Scan(&l.ID, &l.CredentialID, &l.FCMMessageID, &l.Payload, &l.WebhookStatus, &l.WebhookResponse, &l.ReceivedAt); err != nil {
		return nil, err
	}
	return &l, nil
}
