// Package httpapi is the thin control-plane HTTP surface that exercises
// the Store/Pool contract of spec §6.4: Credential Store CRUD, Message Log
// Store reads/clear/retry, and Listener Pool start/stop/restart/status.
//
// This is deliberately minimal — no OpenAPI generation, no request
// validation framework — just enough chi/cors wiring to demonstrate the
// contract end to end; a production control plane would add auth scopes,
// pagination envelopes, and request tracing on top of this skeleton.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agusibrahim/fcm-worker/internal/model"
)

// CredentialStore is the subset of credstore.Store the control plane needs.
type CredentialStore interface {
	Create(ctx context.Context, c *model.Credential) error
	Get(ctx context.Context, id string) (*model.Credential, error)
	List(ctx context.Context, activeOnly bool) ([]*model.Credential, error)
	ListRunnable(ctx context.Context) ([]*model.Credential, error)
	Update(ctx context.Context, id string, patch model.CredentialPatch) (*model.Credential, error)
	Suspend(ctx context.Context, id string) error
	Unsuspend(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	SetTopics(ctx context.Context, id string, topics []string) error
}

// MessageLogStore is the subset of logstore.Store the control plane needs.
type MessageLogStore interface {
	Get(ctx context.Context, id string) (*model.MessageLog, error)
	List(ctx context.Context, credentialID *string, limit, offset int) ([]*model.MessageLog, error)
	Count(ctx context.Context, credentialID *string) (int, error)
	Clear(ctx context.Context, credentialID string) (int64, error)
	UpdateWebhookOutcome(ctx context.Context, logID string, status int, response string) error
}

// WorkerPool is the subset of pool.Pool the control plane needs.
type WorkerPool interface {
	StartWorker(cred model.Credential) error
	StopWorker(id string) error
	RestartWorker(cred model.Credential) error
	IsRunning(id string) bool
	ActiveCount() int
	ShutdownAll(ctx context.Context) error
}

// RetrySender is the subset of webhook.Sender the retry endpoint needs.
type RetrySender interface {
	RetryMessage(ctx context.Context, url, payload string, headers map[string]string, logID string, store interface {
		UpdateWebhookOutcome(ctx context.Context, logID string, status int, response string) error
	}) error
}

// Server bundles the control plane's HTTP dependencies.
type Server struct {
	Router *chi.Mux

	creds    CredentialStore
	logs     MessageLogStore
	pool     WorkerPool
	sender   RetrySender
	logger   *slog.Logger
	apiKey   string
	startedAt time.Time
}

// Config configures NewServer.
type Config struct {
	APIKey             string
	CORSAllowedOrigins []string
	MetricsRegistry    *prometheus.Registry
}

// NewServer wires up the chi router: CORS, request id/logging, recoverer,
// an API-key gate on everything but /healthz and /metrics, and the
// credential/message/worker routes.
func NewServer(cfg Config, creds CredentialStore, logs MessageLogStore, pool WorkerPool, sender RetrySender, logger *slog.Logger) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		creds:     creds,
		logs:      logs,
		pool:      pool,
		sender:    sender,
		logger:    logger,
		apiKey:    cfg.APIKey,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: orDefault(cfg.CORSAllowedOrigins, []string{"*"}),
		AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	if cfg.MetricsRegistry != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.handleCreateCredential)
			r.Get("/", s.handleListCredentials)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCredential)
				r.Patch("/", s.handleUpdateCredential)
				r.Delete("/", s.handleDeleteCredential)
				r.Post("/suspend", s.handleSuspendCredential)
				r.Post("/unsuspend", s.handleUnsuspendCredential)
				r.Put("/topics", s.handleSetTopics)

				r.Post("/start", s.handleStartWorker)
				r.Post("/stop", s.handleStopWorker)
				r.Post("/restart", s.handleRestartWorker)
				r.Get("/status", s.handleWorkerStatus)
			})
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", s.handleListMessages)
			r.Delete("/", s.handleClearMessages)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetMessage)
				r.Post("/retry", s.handleRetryMessage)
			})
		})

		r.Get("/pool/active_count", s.handleActiveCount)
		r.Post("/pool/shutdown_all", s.handleShutdownAll)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// requireAPIKey gates everything under /api/v1 behind a static API key
// (spec §6.1 API_KEY), checked against the X-API-Key header.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.apiKey {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-API-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func orDefault(v, fallback []string) []string {
	if len(v) == 0 {
		return fallback
	}
	return v
}
