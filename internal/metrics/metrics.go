// Package metrics defines the Prometheus collectors the Pool, Worker, and
// Webhook Sender report against.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors this service exposes. All are registered
// against a caller-supplied registry so cmd/server controls exposition.
type Metrics struct {
	WorkerRestarts  *prometheus.CounterVec
	WebhookAttempts prometheus.Counter
	WebhookOutcomes *prometheus.CounterVec
	DedupHits       *prometheus.CounterVec
	ActiveWorkers   prometheus.Gauge
}

// New constructs and registers the collector set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcmworker",
			Name:      "worker_restarts_total",
			Help:      "Number of times a Worker re-entered its reconnect/backoff loop.",
		}, []string{"credential_id"}),
		WebhookAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fcmworker",
			Name:      "webhook_attempts_total",
			Help:      "Number of webhook delivery attempts, including retries.",
		}),
		WebhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcmworker",
			Name:      "webhook_outcomes_total",
			Help:      "Webhook delivery outcomes by result class (2xx, non2xx, transport_error).",
		}, []string{"result"}),
		DedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcmworker",
			Name:      "dedup_hits_total",
			Help:      "Messages dropped as duplicates, by dedup layer (fcm_message_id, content_hash).",
		}, []string{"layer"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fcmworker",
			Name:      "active_workers",
			Help:      "Current count of running Workers in the Listener Pool.",
		}),
	}
	reg.MustRegister(m.WorkerRestarts, m.WebhookAttempts, m.WebhookOutcomes, m.DedupHits, m.ActiveWorkers)
	return m
}

// ResultClass buckets an HTTP outcome the way WebhookOutcomes expects.
func ResultClass(status int, transportErr bool) string {
	switch {
	case transportErr:
		return "transport_error"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "non2xx"
	}
}
