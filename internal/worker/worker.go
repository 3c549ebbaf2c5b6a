// Package worker implements the FCM Worker (spec §4.6): the per-credential
// supervised loop that owns one Push Channel session, from register-or-load
// through payload dispatch to reconnect-with-backoff.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/agusibrahim/fcm-worker/internal/dedup"
	"github.com/agusibrahim/fcm-worker/internal/metrics"
	"github.com/agusibrahim/fcm-worker/internal/model"
	"github.com/agusibrahim/fcm-worker/internal/pushclient"
	"github.com/agusibrahim/fcm-worker/internal/webhook"
)

// MaxRetries is the reconnect budget (spec §4.6): the Worker stops once
// failed attempts exceed this many, i.e. after MaxRetries+1 failed
// connection attempts in total. A var, not a const, so tests
// can shrink the reconnect budget instead of waiting out real backoff.
var MaxRetries = 10

// BaseDelay is the reconnect backoff base; attempt k sleeps
// BaseDelay * 2^min(k-1, 6), capped at 320s. A var for the same reason as
// MaxRetries.
var BaseDelay = 5 * time.Second

const (
	// MaxMessagesPerCredential bounds per-tenant message log retention
	// (spec §4.2/§4.6 step 6). Overridable via WithMaxMessages for callers
	// that load it from config.
	MaxMessagesPerCredential = 50

	maxBackoffShift = 6
)

// CredentialUpdater is the subset of the Credential Store the Worker needs
// to persist registration material it obtains itself (spec §4.6
// register-or-load).
type CredentialUpdater interface {
	UpdateRegistration(ctx context.Context, id, fcmToken, gcmToken string, androidID, securityToken uint64, privateKey, authSecret string) error
	GetTopics(ctx context.Context, id string) ([]string, error)
}

// MessageLogStore is the subset of the Message Log Store the Worker's
// payload pipeline and the Webhook Sender need.
type MessageLogStore interface {
	IsFCMMessageDuplicate(ctx context.Context, credentialID, fcmMessageID string) (bool, error)
	Insert(ctx context.Context, l *model.MessageLog) error
	CleanupOld(ctx context.Context, credentialID string, keepN int) (int64, error)
	webhook.OutcomeRecorder
}

// WebhookSender is the subset of webhook.Sender the Worker depends on.
type WebhookSender interface {
	Send(ctx context.Context, url, payload string, headers map[string]string, logID string, store webhook.OutcomeRecorder) error
}

// ClientFactory builds a fresh Push Client Adapter for one connection
// attempt. A new client per attempt mirrors a new vendor TCP session per
// reconnect; Run installs the data callback on the returned client.
type ClientFactory func(cred model.Credential) pushclient.Client

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMaxMessages overrides the per-credential retention cap.
func WithMaxMessages(n int) Option {
	return func(w *Worker) { w.maxMessages = n }
}

// WithMetrics wires a Metrics collector set; restarts and dedup hits are
// reported against it. Omit it and the Worker simply doesn't report.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// Worker supervises one credential's Push Channel session: register-or-load,
// topic subscription, listening, payload dispatch, and reconnect-with-backoff
// (spec §4.6).
type Worker struct {
	cred model.Credential

	credStore CredentialUpdater
	logStore  MessageLogStore
	dedupe    *dedup.Cache
	sender    WebhookSender
	newClient ClientFactory

	logger      *slog.Logger
	maxMessages int
	metrics     *metrics.Metrics
}

// New constructs a Worker for a Credential snapshot. Edits made via the
// control plane after this point do not affect the running Worker (spec
// §9's documented design decision); the control plane must restart_worker
// to pick them up.
func New(cred model.Credential, credStore CredentialUpdater, logStore MessageLogStore, dedupe *dedup.Cache, sender WebhookSender, newClient ClientFactory, opts ...Option) *Worker {
	w := &Worker{
		cred:        cred,
		credStore:   credStore,
		logStore:    logStore,
		dedupe:      dedupe,
		sender:      sender,
		newClient:   newClient,
		logger:      slog.Default(),
		maxMessages: MaxMessagesPerCredential,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run is the Worker's long-running loop (spec §4.6 run()). It returns only
// on clean termination, shutdown-signal cancellation, or after exceeding
// the reconnect budget.
func (w *Worker) Run(ctx context.Context) error {
	log := w.logger.With("credential_id", w.cred.ID, "credential_name", w.cred.Name)

	var retryCount int
	for {
		if ctx.Err() != nil {
			log.Info("worker stopping: shutdown signal")
			return nil
		}

		client := w.newClient(w.cred)
		client.SetDataCallback(func(payload []byte) { w.dispatchPayload(ctx, log, payload) })

		if err := w.registerOrLoad(ctx, client); err != nil {
			log.Warn("registration failed, entering backoff", "error", err)
			if stopped := w.backoff(ctx, log, &retryCount); stopped {
				return nil
			}
			continue
		}

		w.subscribeTopics(ctx, log, client)

		err := client.StartListening(ctx)
		if err == nil {
			log.Info("worker exiting: clean stream termination")
			return nil
		}
		if ctx.Err() != nil {
			log.Info("worker stopping: shutdown signal during listen")
			return nil
		}
		log.Warn("push stream dropped, entering backoff", "error", err)
		if stopped := w.backoff(ctx, log, &retryCount); stopped {
			return nil
		}
	}
}

// registerOrLoad implements spec §4.6's register-or-load branch: reuse
// persisted registration material when present, otherwise mint fresh keys
// and register with the vendor, persisting the result.
func (w *Worker) registerOrLoad(ctx context.Context, client pushclient.Client) error {
	if w.cred.HasRegistration() {
		if err := client.LoadKeys(*w.cred.PrivateKey, *w.cred.AuthSecret); err != nil {
			return fmt.Errorf("loading keys: %w", err)
		}
		client.SetRegistration(pushclient.Registration{
			FCMToken:      *w.cred.FCMToken,
			GCMToken:      *w.cred.GCMToken,
			AndroidID:     *w.cred.AndroidID,
			SecurityToken: *w.cred.SecurityToken,
		})
		return nil
	}

	privB64, authB64, err := client.CreateNewKeys()
	if err != nil {
		return fmt.Errorf("creating keys: %w", err)
	}
	if err := client.LoadKeys(privB64, authB64); err != nil {
		return fmt.Errorf("loading freshly created keys: %w", err)
	}
	reg, err := client.Register(ctx)
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	if err := w.credStore.UpdateRegistration(ctx, w.cred.ID, reg.FCMToken, reg.GCMToken, reg.AndroidID, reg.SecurityToken, privB64, authB64); err != nil {
		return fmt.Errorf("persisting registration: %w", err)
	}

	w.cred.FCMToken, w.cred.GCMToken = &reg.FCMToken, &reg.GCMToken
	w.cred.AndroidID, w.cred.SecurityToken = &reg.AndroidID, &reg.SecurityToken
	w.cred.PrivateKey, w.cred.AuthSecret = &privB64, &authB64
	return nil
}

// subscribeTopics implements spec §4.6's topic subscription step: per-topic
// failures are logged and do not abort the Worker.
func (w *Worker) subscribeTopics(ctx context.Context, log *slog.Logger, client pushclient.Client) {
	topics, err := w.credStore.GetTopics(ctx, w.cred.ID)
	if err != nil {
		log.Warn("failed to fetch topics, proceeding with none", "error", err)
		return
	}
	for _, topic := range topics {
		if err := client.SubscribeToTopic(ctx, topic); err != nil {
			log.Warn("topic subscription failed, proceeding", "topic", topic, "error", err)
		}
	}
}

// backoff waits BaseDelay*2^min(retryCount-1,6), racing ctx.Done, after
// incrementing retryCount. It reports whether the Worker should stop
// (reconnect budget exceeded or shutdown won the race).
func (w *Worker) backoff(ctx context.Context, log *slog.Logger, retryCount *int) bool {
	*retryCount++
	if w.metrics != nil {
		w.metrics.WorkerRestarts.WithLabelValues(w.cred.ID).Inc()
	}
	if *retryCount > MaxRetries {
		log.Warn("reconnect budget exceeded, stopping", "retry_count", *retryCount)
		return true
	}

	shift := *retryCount - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := BaseDelay * time.Duration(uint64(1)<<uint(shift))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		log.Info("worker stopping during backoff sleep")
		return true
	case <-timer.C:
		return false
	}
}

// NewBackoffPolicy exposes a cenkalti/backoff/v4 policy with the same
// base/cap/budget as backoff() above, for callers that want the library's
// policy object instead of this package's hand-rolled loop. The library's
// default randomization factor is left in place, so its delays are jittered
// around the doubling curve; Run itself does not use this policy.
func NewBackoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = BaseDelay
	b.Multiplier = 2
	b.MaxInterval = BaseDelay * time.Duration(uint64(1)<<maxBackoffShift)
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, MaxRetries)
}

// dispatchPayload runs the payload callback pipeline (spec §4.6) on its own
// goroutine so the Push Client's read-loop thread is never blocked by a
// store call or webhook delivery.
func (w *Worker) dispatchPayload(ctx context.Context, log *slog.Logger, payload []byte) {
	go func() {
		text := decodeUTF8Lossy(payload)

		var parsed struct {
			FCMMessageID string `json:"fcmMessageId"`
		}
		var fcmID string
		if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed.FCMMessageID != "" {
			fcmID = parsed.FCMMessageID
		}

		if fcmID != "" {
			dup, err := w.logStore.IsFCMMessageDuplicate(ctx, w.cred.ID, fcmID)
			if err != nil {
				log.Warn("duplicate check failed, proceeding (fail-open)", "error", err)
			} else if dup {
				if w.metrics != nil {
					w.metrics.DedupHits.WithLabelValues("fcm_message_id").Inc()
				}
				return
			}
		}

		if w.dedupe.IsDuplicate([]byte(text)) {
			if w.metrics != nil {
				w.metrics.DedupHits.WithLabelValues("content_hash").Inc()
			}
			return
		}

		logEntry := &model.MessageLog{
			ID:           uuid.NewString(),
			CredentialID: w.cred.ID,
			Payload:      text,
			ReceivedAt:   time.Now().UTC(),
		}
		if fcmID != "" {
			logEntry.FCMMessageID = &fcmID
		}
		if err := w.logStore.Insert(ctx, logEntry); err != nil {
			log.Error("failed to insert message log", "error", err)
			return
		}

		if _, err := w.logStore.CleanupOld(ctx, w.cred.ID, w.maxMessages); err != nil {
			log.Warn("cleanup_old failed", "error", err)
		}

		if err := w.sender.Send(ctx, w.cred.WebhookURL, text, w.cred.WebhookHeaders, logEntry.ID, w.logStore); err != nil {
			log.Error("webhook send returned an error unexpectedly", "error", err)
		}
	}()
}

// decodeUTF8Lossy decodes payload as UTF-8, replacing ill-formed sequences
// with the Unicode replacement character rather than failing (spec §4.6
// step 1).
func decodeUTF8Lossy(payload []byte) string {
	out, _, err := transform.Bytes(runes.ReplaceIllFormed(), payload)
	if err != nil {
		return string(payload)
	}
	return string(out)
}
