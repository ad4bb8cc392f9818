package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for listsync
type Metrics struct {
	// Submission counters
	SubmissionsTotal    *prometheus.CounterVec
	SubscriptionsTotal  *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec

	// Mailchimp API
	MailchimpRequestsTotal *prometheus.CounterVec
	MetadataCacheTotal     *prometheus.CounterVec

	// Outbox
	OutboxDeliveredTotal *prometheus.CounterVec
	OutboxDeferredTotal  *prometheus.CounterVec
	OutboxFailedTotal    *prometheus.CounterVec
	OutboxSize           prometheus.Gauge
	OutboxDeferred       prometheus.Gauge
	OutboxDeadLetter     prometheus.Gauge
	OutboxOldestSeconds  prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_submissions_total",
				Help: "Total number of page submissions by page kind and result",
			},
			[]string{"kind", "result"},
		),
		SubscriptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_subscriptions_total",
				Help: "Mailing list sync outcomes",
			},
			[]string{"outcome"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_admin_notifications_total",
				Help: "Admin notification e-mails by result",
			},
			[]string{"result"},
		),

		MailchimpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_mailchimp_requests_total",
				Help: "Mailchimp API calls by call and result",
			},
			[]string{"call", "result"},
		),
		MetadataCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_metadata_cache_total",
				Help: "Metadata cache lookups by call and result",
			},
			[]string{"call", "result"},
		),

		OutboxDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_outbox_delivered_total",
				Help: "Total number of outbox entries delivered to Mailchimp",
			},
			[]string{"list_id"},
		),
		OutboxDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_outbox_deferred_total",
				Help: "Total number of outbox entries deferred for retry",
			},
			[]string{"list_id"},
		),
		OutboxFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_outbox_failed_total",
				Help: "Total number of outbox entries moved to the dead letter queue",
			},
			[]string{"list_id", "error_type"},
		),
		OutboxSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_outbox_size",
				Help: "Number of pending and deferred outbox entries",
			},
		),
		OutboxDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_outbox_deferred",
				Help: "Number of outbox entries awaiting retry",
			},
		),
		OutboxDeadLetter: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_outbox_dead_letter",
				Help: "Number of entries in the dead letter queue",
			},
		),
		OutboxOldestSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_outbox_oldest_seconds",
				Help: "Age of the oldest undelivered outbox entry in seconds",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listsync_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.SubscriptionsTotal,
		m.NotificationsTotal,
		m.MailchimpRequestsTotal,
		m.MetadataCacheTotal,
		m.OutboxDeliveredTotal,
		m.OutboxDeferredTotal,
		m.OutboxFailedTotal,
		m.OutboxSize,
		m.OutboxDeferred,
		m.OutboxDeadLetter,
		m.OutboxOldestSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncSubmissions increments the submission counter
func IncSubmissions(kind, result string) {
	m := Global()
	if m != nil {
		m.SubmissionsTotal.WithLabelValues(kind, result).Inc()
	}
}

// IncSubscriptions increments the mailing list outcome counter
func IncSubscriptions(outcome string) {
	m := Global()
	if m != nil {
		m.SubscriptionsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncNotifications increments the admin notification counter
func IncNotifications(result string) {
	m := Global()
	if m != nil {
		m.NotificationsTotal.WithLabelValues(result).Inc()
	}
}

// IncMailchimpRequest increments the Mailchimp call counter
func IncMailchimpRequest(call, result string) {
	m := Global()
	if m != nil {
		m.MailchimpRequestsTotal.WithLabelValues(call, result).Inc()
	}
}

// IncMetadataCache records a metadata cache hit or miss
func IncMetadataCache(call string, hit bool) {
	m := Global()
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.MetadataCacheTotal.WithLabelValues(call, result).Inc()
}

// IncOutboxDelivered increments the delivered entry counter
func IncOutboxDelivered(listID string) {
	m := Global()
	if m != nil {
		m.OutboxDeliveredTotal.WithLabelValues(listID).Inc()
	}
}

// IncOutboxDeferred increments the deferred entry counter
func IncOutboxDeferred(listID string) {
	m := Global()
	if m != nil {
		m.OutboxDeferredTotal.WithLabelValues(listID).Inc()
	}
}

// IncOutboxFailed increments the dead-lettered entry counter
func IncOutboxFailed(listID, errorType string) {
	m := Global()
	if m != nil {
		m.OutboxFailedTotal.WithLabelValues(listID, errorType).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
