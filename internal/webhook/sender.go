// Package webhook implements the Webhook Sender (spec §4.4): a reusable
// HTTP client with bounded exponential retry that persists outcomes back
// to the Message Log Store and never surfaces delivery failure as an
// error to its caller.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agusibrahim/fcm-worker/internal/metrics"
)

const (
	// MaxRetries is the number of retries after the initial attempt (spec §4.4).
	MaxRetries = 3
	// BaseDelay is the base backoff delay; attempt k sleeps BaseDelay * 2^(k-1).
	BaseDelay = 1 * time.Second

	totalTimeout   = 10 * time.Second
	connectTimeout = 5 * time.Second
)

// OutcomeRecorder is the subset of the Message Log Store the Sender needs
// (spec §4.2's update_webhook_outcome). It is an alias of the interface
// literal, so method sets written with that literal elsewhere match Send
// and RetryMessage.
type OutcomeRecorder = interface {
	UpdateWebhookOutcome(ctx context.Context, logID string, status int, response string) error
}

// Sender holds a reusable HTTP client configured to spec's timeouts.
type Sender struct {
	client  *http.Client
	logger  *slog.Logger
	sleep   func(time.Duration)
	metrics *metrics.Metrics
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) { s.logger = logger }
}

// WithHTTPClient overrides the HTTP client (tests only).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithMetrics wires a Metrics collector set; every attempt and its
// outcome class are reported against it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// New creates a Sender with the spec's default timeouts: 10s total, 5s
// connect.
func New(opts ...Option) *Sender {
	s := &Sender{
		client: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		logger: slog.Default(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send POSTs payload to url up to 1+MaxRetries times, persisting the
// outcome of every attempt via store.UpdateWebhookOutcome. It always
// returns nil: delivery failure is recorded in the log row, not surfaced
// to the caller (spec §4.4 step 6, §7 propagation policy).
func (s *Sender) Send(ctx context.Context, url, payload string, headers map[string]string, logID string, store OutcomeRecorder) error {
	builtHeaders := buildHeaders(headers)

	var lastErr error
	for attempt := 1; attempt <= 1+MaxRetries; attempt++ {
		if attempt > 1 {
			delay := BaseDelay * time.Duration(1<<uint(attempt-2))
			s.sleep(delay)
		}

		if s.metrics != nil {
			s.metrics.WebhookAttempts.Inc()
		}

		status, body, err := s.attempt(ctx, url, payload, builtHeaders)
		if err != nil {
			lastErr = err
			s.recordOutcome(ctx, store, logID, 0, err.Error())
			s.recordMetricOutcome(0, true)
			continue
		}
		s.recordOutcome(ctx, store, logID, status, body)
		s.recordMetricOutcome(status, false)
		if status >= 200 && status < 300 {
			return nil
		}
		lastErr = fmt.Errorf("non-2xx status %d", status)
	}

	s.recordOutcome(ctx, store, logID, 0,
		fmt.Sprintf("All %d retries failed. Last error: %v", MaxRetries, lastErr))
	return nil
}

// SetSleepForTest overrides the backoff sleep function. Exposed so tests
// can run the full retry loop without waiting on real timers.
func (s *Sender) SetSleepForTest(sleep func(time.Duration)) {
	s.sleep = sleep
}

// RetryMessage resends a previously-stored payload, used by the
// control-plane's explicit retry endpoint (spec §4.4).
func (s *Sender) RetryMessage(ctx context.Context, url, payload string, headers map[string]string, logID string, store OutcomeRecorder) error {
	return s.Send(ctx, url, payload, headers, logID, store)
}

func (s *Sender) attempt(ctx context.Context, url, payload string, headers map[string][]string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(payload)))
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header = headers

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

func (s *Sender) recordMetricOutcome(status int, transportErr bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.WebhookOutcomes.WithLabelValues(metrics.ResultClass(status, transportErr)).Inc()
}

func (s *Sender) recordOutcome(ctx context.Context, store OutcomeRecorder, logID string, status int, response string) {
	if err := store.UpdateWebhookOutcome(ctx, logID, status, response); err != nil {
		s.logger.Error("failed to persist webhook outcome", "log_id", logID, "error", err)
	}
}

// buildHeaders builds the Content-Type + custom header set, silently
// skipping malformed header names/values (spec §4.4 step 1).
func buildHeaders(custom map[string]string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	for name, value := range custom {
		if !validHeaderName(name) || !validHeaderValue(value) {
			continue
		}
		h.Set(name, value)
	}
	return h
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == 127 || r == ':' {
			return false
		}
	}
	return true
}

func validHeaderValue(value string) bool {
	for _, r := range value {
		if r == '\r' || r == '\n' {
			return false
		}
	}
	return true
}
