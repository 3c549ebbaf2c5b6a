package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agusibrahim/fcm-worker/internal/model"
)

// blockingWorker runs until ctx is cancelled, then returns nil. Records
// every credential id it was started for.
func blockingWorker(started chan<- string) WorkerFunc {
	return func(ctx context.Context, cred model.Credential) error {
		started <- cred.ID
		<-ctx.Done()
		return nil
	}
}

func TestPool_StartWorker_RejectsDuplicateStart(t *testing.T) {
	started := make(chan string, 4)
	p := New(blockingWorker(started))

	cred := model.Credential{ID: "c1", Name: "tenant"}
	require.NoError(t, p.StartWorker(cred))
	<-started

	err := p.StartWorker(cred)
	require.ErrorIs(t, err, ErrWorkerAlreadyRunning)

	require.NoError(t, p.ShutdownAll(context.Background()))
}

func TestPool_StopWorker_NotRunningFails(t *testing.T) {
	p := New(blockingWorker(make(chan string, 1)))
	err := p.StopWorker("nope")
	require.ErrorIs(t, err, ErrWorkerNotRunning)
}

func TestPool_StartStop_IsRunningAndActiveCount(t *testing.T) {
	started := make(chan string, 4)
	p := New(blockingWorker(started))

	cred := model.Credential{ID: "c1", Name: "tenant"}
	require.NoError(t, p.StartWorker(cred))
	<-started

	require.True(t, p.IsRunning("c1"))
	require.Equal(t, 1, p.ActiveCount())

	require.NoError(t, p.StopWorker("c1"))
	require.False(t, p.IsRunning("c1"))
	require.Equal(t, 0, p.ActiveCount())
}

func TestPool_RestartWorker_IgnoresNotRunning(t *testing.T) {
	started := make(chan string, 4)
	p := New(blockingWorker(started))

	cred := model.Credential{ID: "c1", Name: "tenant"}
	require.NoError(t, p.RestartWorker(cred))
	<-started
	require.True(t, p.IsRunning("c1"))

	require.NoError(t, p.ShutdownAll(context.Background()))
}

func TestPool_ShutdownAll_StopsEveryWorkerConcurrently(t *testing.T) {
	started := make(chan string, 8)
	p := New(blockingWorker(started))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.StartWorker(model.Credential{ID: string(rune('a' + i)), Name: "tenant"}))
	}
	for i := 0; i < 5; i++ {
		<-started
	}
	require.Equal(t, 5, p.ActiveCount())

	before := time.Now()
	require.NoError(t, p.ShutdownAll(context.Background()))
	require.Less(t, time.Since(before), shutdownAllTimeout+500*time.Millisecond)
	require.Equal(t, 0, p.ActiveCount())
}

type fakeRunnableLister struct {
	mu    sync.Mutex
	creds []*model.Credential
	err   error
}

func (f *fakeRunnableLister) ListRunnable(context.Context) ([]*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds, f.err
}

func TestPool_StartAllRunnable_StartsEachAndSkipsFailures(t *testing.T) {
	started := make(chan string, 4)
	p := New(blockingWorker(started))

	lister := &fakeRunnableLister{creds: []*model.Credential{
		{ID: "c1", Name: "a"},
		{ID: "c2", Name: "b"},
	}}

	p.StartAllRunnable(context.Background(), lister)

	seen := map[string]bool{}
	seen[<-started] = true
	seen[<-started] = true
	require.True(t, seen["c1"])
	require.True(t, seen["c2"])

	require.NoError(t, p.ShutdownAll(context.Background()))
}

func TestPool_StartAllRunnable_LoggingOnListError(t *testing.T) {
	p := New(blockingWorker(make(chan string, 1)))
	lister := &fakeRunnableLister{err: errors.New("store unavailable")}

	// Must not panic; failure is logged, not propagated.
	p.StartAllRunnable(context.Background(), lister)
	require.Equal(t, 0, p.ActiveCount())
}
