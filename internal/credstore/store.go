// Package credstore implements the Credential Store (spec §4.1): a
// persistent, failure-atomic mapping from credential id to configuration,
// registration material, flags, and its topic association.
package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agusibrahim/fcm-worker/internal/model"
)

// ErrNotFound is returned when an operation targets a credential id that
// does not exist.
var ErrNotFound = errors.New("credential: not found")

// Store is a sqlite-backed Credential Store. All operations are
// failure-atomic: sqlite's own connection serialization gives the
// single-writer discipline spec §4.1 asks for.
type Store struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new Credential. ID must be set by the caller (or left
// empty, in which case a uuid is generated).
func (s *Store) Create(ctx context.Context, c *model.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	if err := c.Validate(); err != nil {
		return err
	}

	headers, err := json.Marshal(emptyIfNil(c.WebhookHeaders))
	if err != nil {
		return fmt.Errorf("marshaling webhook headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (
			id, name, api_key, app_id, project_id,
			fcm_token, gcm_token, android_id, security_token, private_key, auth_secret,
			webhook_url, webhook_headers, is_active, is_suspended, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.APIKey, c.AppID, c.ProjectID,
		c.FCMToken, c.GCMToken, c.AndroidID, c.SecurityToken, c.PrivateKey, c.AuthSecret,
		c.WebhookURL, string(headers), c.IsActive, c.IsSuspended, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting credential %s: %w", c.ID, err)
	}

	if len(c.Topics) > 0 {
		if err := s.SetTopics(ctx, c.ID, c.Topics); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches a Credential by id, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id string) (*model.Credential, error) {
	row := s.db.QueryRowContext(ctx, baseSelect+" WHERE id = ?", id)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %s: %w", id, err)
	}
	topics, err := s.GetTopics(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Topics = topics
	return c, nil
}

// List returns credentials ordered by created_at DESC, optionally filtered
// to is_active credentials only.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*model.Credential, error) {
	query := baseSelect
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY created_at DESC"
	return s.queryList(ctx, query)
}

// ListRunnable returns credentials where is_active AND NOT is_suspended,
// ordered by created_at DESC (spec §4.1, property 2).
func (s *Store) ListRunnable(ctx context.Context) ([]*model.Credential, error) {
	query := baseSelect + " WHERE is_active = 1 AND is_suspended = 0 ORDER BY created_at DESC"
	return s.queryList(ctx, query)
}

func (s *Store) queryList(ctx context.Context, query string) ([]*model.Credential, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []*model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range out {
		topics, err := s.GetTopics(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Topics = topics
	}
	return out, nil
}

// Update applies a partial patch to name/webhook_url/webhook_headers/
// is_active/api_key/app_id/project_id and bumps updated_at.
func (s *Store) Update(ctx context.Context, id string, patch model.CredentialPatch) (*model.Credential, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}

	if patch.Name != nil {
		existing.Name = *patch.Name
	}
	if patch.WebhookURL != nil {
		existing.WebhookURL = *patch.WebhookURL
	}
	if patch.WebhookHeaders != nil {
		existing.WebhookHeaders = patch.WebhookHeaders
	}
	if patch.IsActive != nil {
		existing.IsActive = *patch.IsActive
	}
	if patch.APIKey != nil {
		existing.APIKey = *patch.APIKey
	}
	if patch.AppID != nil {
		existing.AppID = *patch.AppID
	}
	if patch.ProjectID != nil {
		existing.ProjectID = *patch.ProjectID
	}
	if err := existing.Validate(); err != nil {
		return nil, err
	}
	existing.UpdatedAt = time.Now().UTC()

	headers, err := json.Marshal(emptyIfNil(existing.WebhookHeaders))
	if err != nil {
		return nil, fmt.Errorf("marshaling webhook headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET name=?, api_key=?, app_id=?, project_id=?,
			webhook_url=?, webhook_headers=?, is_active=?, updated_at=?
		WHERE id=?`,
		existing.Name, existing.APIKey, existing.AppID, existing.ProjectID,
		existing.WebhookURL, string(headers), existing.IsActive, existing.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating credential %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return existing, nil
}

// UpdateRegistration persists the six registration fields filled in by the
// Worker after a successful register (spec §4.6).
func (s *Store) UpdateRegistration(ctx context.Context, id, fcmToken, gcmToken string, androidID, securityToken uint64, privateKey, authSecret string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET fcm_token=?, gcm_token=?, android_id=?, security_token=?,
			private_key=?, auth_secret=?, updated_at=?
		WHERE id=?`,
		fcmToken, gcmToken, androidID, securityToken, privateKey, authSecret, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating registration for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Suspend sets is_suspended=true.
func (s *Store) Suspend(ctx context.Context, id string) error { return s.setSuspended(ctx, id, true) }

// Unsuspend sets is_suspended=false.
func (s *Store) Unsuspend(ctx context.Context, id string) error {
	return s.setSuspended(ctx, id, false)
}

func (s *Store) setSuspended(ctx context.Context, id string, suspended bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET is_suspended=?, updated_at=? WHERE id=?`,
		suspended, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting suspended=%v for %s: %w", suspended, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a Credential and cascades to its topics and message logs
// (via ON DELETE CASCADE foreign keys).
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTopics atomically replaces a credential's topic set.
func (s *Store) SetTopics(ctx context.Context, id string, topics []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE id=?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("checking credential %s exists: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM credential_topics WHERE credential_id=?`, id); err != nil {
		return fmt.Errorf("clearing topics for %s: %w", id, err)
	}
	for _, topic := range topics {
		if _, err := tx.ExecContext(ctx, `INSERT INTO credential_topics (credential_id, topic) VALUES (?, ?)`, id, topic); err != nil {
			return fmt.Errorf("inserting topic %q for %s: %w", topic, id, err)
		}
	}
	return tx.Commit()
}

// GetTopics returns the topic set for a credential.
func (s *Store) GetTopics(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic FROM credential_topics WHERE credential_id=? ORDER BY topic`, id)
	if err != nil {
		return nil, fmt.Errorf("getting topics for %s: %w", id, err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

const baseSelect = `SELECT id, name, api_key, app_id, project_id,
	fcm_token, gcm_token, android_id, security_token, private_key, auth_secret,
	webhook_url, webhook_headers, is_active, is_suspended, created_at, updated_at
	FROM credentials`

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*model.Credential, error) {
	var c model.Credential
	var headersJSON string
	if err := row.Scan(
		&c.ID, &c.Name, &c.APIKey, &c.AppID, &c.ProjectID,
		&c.FCMToken, &c.GCMToken, &c.AndroidID, &c.SecurityToken, &c.PrivateKey, &c.AuthSecret,
		&c.WebhookURL, &headersJSON, &c.IsActive, &c.IsSuspended, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &c.WebhookHeaders); err != nil {
			return nil, fmt.Errorf("unmarshaling webhook headers: %w", err)
		}
	}
	return &c, nil
}

func emptyIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
