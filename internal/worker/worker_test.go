package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agusibrahim/fcm-worker/internal/dedup"
	"github.com/agusibrahim/fcm-worker/internal/model"
	"github.com/agusibrahim/fcm-worker/internal/pushclient"
)

// fakeCredStore records UpdateRegistration calls and returns a fixed topic
// list, standing in for credstore.Store in tests.
type fakeCredStore struct {
	mu      sync.Mutex
	topics  []string
	updated bool
}

func (f *fakeCredStore) UpdateRegistration(_ context.Context, _, _, _ string, _, _ uint64, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = true
	return nil
}

func (f *fakeCredStore) GetTopics(_ context.Context, _ string) ([]string, error) {
	return f.topics, nil
}

// fakeLogStore is an in-memory stand-in for logstore.Store.
type fakeLogStore struct {
	mu      sync.Mutex
	seen    map[string]bool
	inserts []*model.MessageLog
	outcome []int
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{seen: make(map[string]bool)}
}

func (f *fakeLogStore) IsFCMMessageDuplicate(_ context.Context, _, fcmMessageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[fcmMessageID], nil
}

func (f *fakeLogStore) Insert(_ context.Context, l *model.MessageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.FCMMessageID != nil {
		f.seen[*l.FCMMessageID] = true
	}
	f.inserts = append(f.inserts, l)
	return nil
}

func (f *fakeLogStore) CleanupOld(_ context.Context, _ string, _ int) (int64, error) { return 0, nil }

func (f *fakeLogStore) UpdateWebhookOutcome(_ context.Context, _ string, status int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = append(f.outcome, status)
	return nil
}

func (f *fakeLogStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

// fakeSender records Send calls instead of making HTTP requests.
type fakeSender struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSender) Send(ctx context.Context, _, _ string, _ map[string]string, logID string, store interface {
	UpdateWebhookOutcome(ctx context.Context, logID string, status int, response string) error
}) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return store.UpdateWebhookOutcome(ctx, logID, 200, "ok")
}

// fakePushClient is a minimal in-process Client: Register returns
// synthetic material, StartListening delivers one payload then blocks
// until ctx is cancelled.
type fakePushClient struct {
	onData        func([]byte)
	payload       []byte
	registerCalls int
}

func (c *fakePushClient) CreateNewKeys() (string, string, error) { return "priv", "auth", nil }
func (c *fakePushClient) LoadKeys(string, string) error          { return nil }
func (c *fakePushClient) Register(context.Context) (pushclient.Registration, error) {
	c.registerCalls++
	return pushclient.Registration{FCMToken: "tok", GCMToken: "gtok", AndroidID: 1, SecurityToken: 2}, nil
}
func (c *fakePushClient) SetRegistration(pushclient.Registration) {}
func (c *fakePushClient) SubscribeToTopic(context.Context, string) error { return nil }
func (c *fakePushClient) SetDataCallback(cb func([]byte))               { c.onData = cb }
func (c *fakePushClient) StartListening(ctx context.Context) error {
	if c.onData != nil && c.payload != nil {
		c.onData(c.payload)
	}
	<-ctx.Done()
	return nil
}

func testCredential() model.Credential {
	return model.Credential{
		ID:         "cred-1",
		Name:       "tenant-a",
		APIKey:     "k",
		AppID:      "a",
		ProjectID:  "p",
		WebhookURL: "https://example.test/hook",
	}
}

func TestWorker_RegistersLoadsTopicsAndDispatchesPayload(t *testing.T) {
	credStore := &fakeCredStore{topics: []string{"topic-a"}}
	logStore := newFakeLogStore()
	sender := &fakeSender{}
	client := &fakePushClient{payload: []byte(`{"fcmMessageId":"M1","body":"hi"}`)}

	w := New(testCredential(), credStore, logStore, dedup.New(5*time.Second), sender,
		func(model.Credential) pushclient.Client { return client })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return logStore.count() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, credStore.updated)
	require.Equal(t, 1, client.registerCalls)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after shutdown signal")
	}
}

func TestWorker_DropsDuplicatePayloadByFCMMessageID(t *testing.T) {
	credStore := &fakeCredStore{}
	logStore := newFakeLogStore()
	logStore.seen["M1"] = true
	sender := &fakeSender{}
	client := &fakePushClient{payload: []byte(`{"fcmMessageId":"M1"}`)}

	w := New(testCredential(), credStore, logStore, dedup.New(5*time.Second), sender,
		func(model.Credential) pushclient.Client { return client })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, logStore.count())
}

func TestWorker_LoadsPersistedRegistrationInsteadOfRegistering(t *testing.T) {
	fcmToken, gcmToken, priv, auth := "tok", "gtok", "priv", "auth"
	androidID, securityToken := uint64(1), uint64(2)
	cred := testCredential()
	cred.FCMToken, cred.GCMToken = &fcmToken, &gcmToken
	cred.AndroidID, cred.SecurityToken = &androidID, &securityToken
	cred.PrivateKey, cred.AuthSecret = &priv, &auth

	credStore := &fakeCredStore{}
	logStore := newFakeLogStore()
	sender := &fakeSender{}
	client := &fakePushClient{}

	w := New(cred, credStore, logStore, dedup.New(5*time.Second), sender,
		func(model.Credential) pushclient.Client { return client })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, client.registerCalls)
	require.False(t, credStore.updated)
}

func TestWorker_StopsAfterReconnectBudgetExceeded(t *testing.T) {
	origDelay, origRetries := BaseDelay, MaxRetries
	BaseDelay = time.Millisecond
	MaxRetries = 3
	defer func() { BaseDelay, MaxRetries = origDelay, origRetries }()

	credStore := &fakeCredStore{}
	logStore := newFakeLogStore()
	sender := &fakeSender{}

	attempts := 0
	w := New(testCredential(), credStore, logStore, dedup.New(5*time.Second), sender,
		func(model.Credential) pushclient.Client {
			attempts++
			return &alwaysFailClient{}
		})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Equal(t, MaxRetries+1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after exceeding reconnect budget")
	}
}

// alwaysFailClient fails every StartListening call immediately so the
// backoff/reconnect-budget path can be exercised.
type alwaysFailClient struct{}

func (c *alwaysFailClient) CreateNewKeys() (string, string, error) { return "priv", "auth", nil }
func (c *alwaysFailClient) LoadKeys(string, string) error          { return nil }
func (c *alwaysFailClient) Register(context.Context) (pushclient.Registration, error) {
	return pushclient.Registration{FCMToken: "t", GCMToken: "g", AndroidID: 1, SecurityToken: 2}, nil
}
func (c *alwaysFailClient) SetRegistration(pushclient.Registration)        {}
func (c *alwaysFailClient) SubscribeToTopic(context.Context, string) error { return nil }
func (c *alwaysFailClient) SetDataCallback(func([]byte))                  {}
func (c *alwaysFailClient) StartListening(context.Context) error {
	return errAlwaysFail
}

var errAlwaysFail = &fakeErr{"stream failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }
