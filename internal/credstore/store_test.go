package credstore_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agusibrahim/fcm-worker/internal/credstore"
	"github.com/agusibrahim/fcm-worker/internal/model"
	"github.com/agusibrahim/fcm-worker/internal/storage"
)

func newTestStore(t *testing.T) *credstore.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	return credstore.New(db)
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	return db
}

func validCredential() *model.Credential {
	return &model.Credential{
		Name:       "A",
		APIKey:     "k",
		AppID:      "a",
		ProjectID:  "p",
		WebhookURL: "https://example.test/hook",
		IsActive:   true,
		Topics:     []string{"t1"},
	}
}

func TestCreateThenGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := validCredential()
	require.NoError(t, s.Create(ctx, c))
	require.NotEmpty(t, c.ID)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "A", got.Name)
	require.True(t, got.IsActive)
	require.False(t, got.IsSuspended)
	require.Nil(t, got.FCMToken)
	require.Equal(t, []string{"t1"}, got.Topics)
}

func TestCreate_RejectsBadWebhookURL(t *testing.T) {
	s := newTestStore(t)
	c := validCredential()
	c.WebhookURL = "ftp://example.test"

	err := s.Create(context.Background(), c)
	require.Error(t, err)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGet_AbsentReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListRunnable_ExcludesSuspendedAndInactive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	runnable := validCredential()
	require.NoError(t, s.Create(ctx, runnable))

	suspended := validCredential()
	suspended.Name = "suspended"
	require.NoError(t, s.Create(ctx, suspended))
	require.NoError(t, s.Suspend(ctx, suspended.ID))

	inactive := validCredential()
	inactive.Name = "inactive"
	inactive.IsActive = false
	require.NoError(t, s.Create(ctx, inactive))

	list, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, runnable.ID, list[0].ID)
}

func TestSuspendUnsuspend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := validCredential()
	require.NoError(t, s.Create(ctx, c))

	require.NoError(t, s.Suspend(ctx, c.ID))
	got, _ := s.Get(ctx, c.ID)
	require.True(t, got.IsSuspended)

	require.NoError(t, s.Unsuspend(ctx, c.ID))
	got, _ = s.Get(ctx, c.ID)
	require.False(t, got.IsSuspended)
}

func TestSuspend_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Suspend(context.Background(), "missing")
	require.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestUpdateRegistration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := validCredential()
	require.NoError(t, s.Create(ctx, c))

	require.NoError(t, s.UpdateRegistration(ctx, c.ID, "fcm-tok", "gcm-tok", 111, 222, "priv", "auth"))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, got.HasRegistration())
	require.Equal(t, "fcm-tok", *got.FCMToken)
	require.Equal(t, uint64(111), *got.AndroidID)
}

func TestDelete_CascadesTopicsAndLogs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := credstore.New(db)

	c := validCredential()
	require.NoError(t, s.Create(ctx, c))
	_, err := db.ExecContext(ctx, `INSERT INTO message_logs (id, credential_id, payload, received_at) VALUES (?, ?, ?, datetime('now'))`, "log1", c.ID, "{}")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, c.ID))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_logs WHERE credential_id=?`, c.ID).Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credential_topics WHERE credential_id=?`, c.ID).Scan(&count))
	require.Equal(t, 0, count)
}

func TestSetTopics_ReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := validCredential()
	require.NoError(t, s.Create(ctx, c))

	require.NoError(t, s.SetTopics(ctx, c.ID, []string{"x", "y"}))
	topics, err := s.GetTopics(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, topics)
}
