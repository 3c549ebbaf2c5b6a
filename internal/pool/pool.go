// Package pool implements the Listener Pool (spec §4.7): the registry of
// running Workers keyed by credential id, with start/stop/restart and
// global shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agusibrahim/fcm-worker/internal/metrics"
	"github.com/agusibrahim/fcm-worker/internal/model"
)

// ErrWorkerAlreadyRunning is returned by StartWorker when a handle already
// exists for the credential id.
var ErrWorkerAlreadyRunning = errors.New("pool: worker already running")

// ErrWorkerNotRunning is returned by StopWorker when no handle exists for
// the credential id.
var ErrWorkerNotRunning = errors.New("pool: worker not running")

const (
	stopTimeout        = 3 * time.Second
	shutdownAllTimeout = 2 * time.Second
)

// RunnableLister is the subset of the Credential Store start_all_runnable
// needs.
type RunnableLister interface {
	ListRunnable(ctx context.Context) ([]*model.Credential, error)
}

// WorkerFunc runs one credential's Worker to completion, blocking until
// ctx is cancelled or the Worker exits on its own (clean stream close or
// exhausted reconnect budget). It is the Pool's sole dependency on the
// worker package, kept as a function value so the Pool does not need to
// import worker's construction details.
type WorkerFunc func(ctx context.Context, cred model.Credential) error

// handle is a WorkerHandle (spec §3): in-memory bookkeeping for one
// running Worker.
type handle struct {
	credentialID string
	displayName  string
	cancel       context.CancelFunc
	done         chan struct{}
	createdAt    time.Time
}

// Pool owns the credential_id -> WorkerHandle mapping (spec §4.7).
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*handle

	runWorker WorkerFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithMetrics wires a Metrics collector set; ActiveWorkers tracks the
// Pool's running-task count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a Pool. runWorker is invoked once per StartWorker call on its
// own goroutine (the "blocking-operation pool" of spec §5).
func New(runWorker WorkerFunc, opts ...Option) *Pool {
	p := &Pool{
		workers:   make(map[string]*handle),
		runWorker: runWorker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartAllRunnable starts a Worker for every credential the store reports
// as runnable; per-credential failures are logged, not propagated (spec
// §4.7 start_all_runnable).
func (p *Pool) StartAllRunnable(ctx context.Context, store RunnableLister) {
	creds, err := store.ListRunnable(ctx)
	if err != nil {
		p.logger.Error("listing runnable credentials failed", "error", err)
		return
	}
	for _, cred := range creds {
		if err := p.StartWorker(*cred); err != nil {
			p.logger.Error("failed to start worker", "credential_id", cred.ID, "error", err)
		}
	}
}

// StartWorker spawns a Worker task for cred and stores its handle. Fails
// with ErrWorkerAlreadyRunning if a handle already exists for cred.ID
// (spec §4.7 start_worker).
func (p *Pool) StartWorker(cred model.Credential) error {
	p.mu.Lock()
	if _, exists := p.workers[cred.ID]; exists {
		p.mu.Unlock()
		return ErrWorkerAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		credentialID: cred.ID,
		displayName:  cred.Name,
		cancel:       cancel,
		done:         make(chan struct{}),
		createdAt:    time.Now().UTC(),
	}
	p.workers[cred.ID] = h
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.ActiveWorkers.Inc()
	}

	go func() {
		defer close(h.done)
		defer func() {
			if p.metrics != nil {
				p.metrics.ActiveWorkers.Dec()
			}
		}()
		if err := p.runWorker(ctx, cred); err != nil {
			p.logger.Error("worker exited with error", "credential_id", cred.ID, "error", err)
		}
	}()

	return nil
}

// StopWorker removes the handle, signals shutdown, and waits up to 3s for
// the task to finish. On timeout the handle is dropped anyway and a
// warning logged (spec §4.7 stop_worker). Fails with ErrWorkerNotRunning
// if no handle existed.
func (p *Pool) StopWorker(id string) error {
	p.mu.Lock()
	h, exists := p.workers[id]
	if !exists {
		p.mu.Unlock()
		return ErrWorkerNotRunning
	}
	delete(p.workers, id)
	p.mu.Unlock()

	h.cancel()

	select {
	case <-h.done:
	case <-time.After(stopTimeout):
		p.logger.Warn("worker did not stop within timeout; handle released anyway", "credential_id", id, "timeout", stopTimeout)
	}
	return nil
}

// RestartWorker stops cred's worker (ignoring ErrWorkerNotRunning) then
// starts it fresh (spec §4.7 restart_worker).
func (p *Pool) RestartWorker(cred model.Credential) error {
	if err := p.StopWorker(cred.ID); err != nil && !errors.Is(err, ErrWorkerNotRunning) {
		return err
	}
	return p.StartWorker(cred)
}

// IsRunning reports whether a handle exists for id and its task has not
// finished (spec §4.7 is_running).
func (p *Pool) IsRunning(id string) bool {
	p.mu.RLock()
	h, exists := p.workers[id]
	p.mu.RUnlock()
	if !exists {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ActiveCount counts handles whose task is not finished (spec §4.7
// active_count).
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, h := range p.workers {
		select {
		case <-h.done:
		default:
			n++
		}
	}
	return n
}

// ShutdownAll signals every running Worker to stop, drains the handle map,
// and awaits each task with a 2s timeout (spec §4.7 shutdown_all). Uses
// errgroup to fan the per-worker waits out concurrently so the total wall
// time is bounded by the timeout, not the worker count.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	handles := make([]*handle, 0, len(p.workers))
	for id, h := range p.workers {
		handles = append(handles, h)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.cancel()
			select {
			case <-h.done:
			case <-time.After(shutdownAllTimeout):
				p.logger.Warn("worker did not stop within shutdown_all timeout", "credential_id", h.credentialID, "timeout", shutdownAllTimeout)
			case <-ctx.Done():
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutting down all workers: %w", err)
	}
	return nil
}
