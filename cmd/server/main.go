// Command server runs the multi-tenant Push Channel listener pool: the
// Credential Store, Message Log Store, Dedup Cache, Webhook Sender,
// Listener Pool, and the thin HTTP control plane in front of them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agusibrahim/fcm-worker/internal/config"
	"github.com/agusibrahim/fcm-worker/internal/credstore"
	"github.com/agusibrahim/fcm-worker/internal/dedup"
	"github.com/agusibrahim/fcm-worker/internal/httpapi"
	"github.com/agusibrahim/fcm-worker/internal/logstore"
	"github.com/agusibrahim/fcm-worker/internal/metrics"
	"github.com/agusibrahim/fcm-worker/internal/model"
	"github.com/agusibrahim/fcm-worker/internal/pool"
	"github.com/agusibrahim/fcm-worker/internal/pushclient"
	"github.com/agusibrahim/fcm-worker/internal/storage"
	"github.com/agusibrahim/fcm-worker/internal/webhook"
	"github.com/agusibrahim/fcm-worker/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info("starting fcm-worker", "port", cfg.Port, "database_url", cfg.DatabaseURL)

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	credStore := credstore.New(db)
	logStore := logstore.New(db)
	dedupCache := dedup.New(time.Duration(cfg.DedupSeconds) * time.Second)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sender := webhook.New(webhook.WithLogger(logger), webhook.WithMetrics(m))

	newClient := func(cred model.Credential) pushclient.Client {
		return pushclient.NewReferenceClient(cred.APIKey, cred.AppID, cred.ProjectID, pushclient.WithLogger(logger))
	}

	runWorker := func(ctx context.Context, cred model.Credential) error {
		w := worker.New(cred, credStore, logStore, dedupCache, sender, newClient,
			worker.WithLogger(logger),
			worker.WithMaxMessages(cfg.MaxMessagesPerCredential),
			worker.WithMetrics(m),
		)
		return w.Run(ctx)
	}

	workerPool := pool.New(runWorker, pool.WithLogger(logger), pool.WithMetrics(m))
	workerPool.StartAllRunnable(ctx, credStore)

	server := httpapi.NewServer(httpapi.Config{
		APIKey:          cfg.APIKey,
		MetricsRegistry: reg,
	}, credStore, logStore, workerPool, sender, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http control plane listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	poolCtx, poolCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer poolCancel()
	if err := workerPool.ShutdownAll(poolCtx); err != nil {
		logger.Error("worker pool shutdown error", "error", err)
	}

	return nil
}
