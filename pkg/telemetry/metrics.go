package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Fleetbroker engine.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requestsStarted   *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	openRequests      prometheus.Gauge

	// Reconciliation metrics
	pollsTotal   *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	providerHealth   *prometheus.GaugeVec

	// Machine metrics
	machinesByStatus *prometheus.GaugeVec

	// Event store metrics
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts prometheus.Counter

	// Renderer metrics
	renderCacheHits   prometheus.Counter
	renderCacheMisses prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requestsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_started_total",
				Help:      "Total number of provisioning and return requests started",
			},
			[]string{"kind", "template"},
		),
		requestsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_completed_total",
				Help:      "Total number of requests reaching a terminal state",
			},
			[]string{"kind", "state"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from request creation to terminal state",
				Buckets:   buckets,
			},
			[]string{"kind", "state"},
		),
		openRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_requests",
				Help:      "Current number of non-terminal requests",
			},
		),

		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of reconciliation polls",
			},
			[]string{"result"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of a single reconciliation poll",
				Buckets:   buckets,
			},
			[]string{"result"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"instance", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls",
				Buckets:   buckets,
			},
			[]string{"instance", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of failed provider API calls",
			},
			[]string{"instance", "operation"},
		),
		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_health",
				Help:      "Provider instance health (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"instance"},
		),

		machinesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machines",
				Help:      "Current number of machines by status",
			},
			[]string{"status"},
		),

		eventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Total number of events appended to the event store",
			},
			[]string{"aggregate_type", "kind"},
		),
		concurrencyConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrency_conflicts_total",
				Help:      "Total number of optimistic concurrency conflicts on append",
			},
		),

		renderCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "render_cache_hits_total",
				Help:      "Total number of rendered spec cache hits",
			},
		),
		renderCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "render_cache_misses_total",
				Help:      "Total number of rendered spec cache misses",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.requestsStarted, m.requestsCompleted, m.requestDuration, m.openRequests,
		m.pollsTotal, m.pollDuration,
		m.providerCalls, m.providerDuration, m.providerErrors, m.providerHealth,
		m.machinesByStatus,
		m.eventsAppended, m.concurrencyConflicts,
		m.renderCacheHits, m.renderCacheMisses,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestStarted records a new request.
func (m *Metrics) RecordRequestStarted(kind, template string) {
	if m.registry == nil {
		return
	}
	m.requestsStarted.WithLabelValues(kind, template).Inc()
	m.openRequests.Inc()
}

// RecordRequestCompleted records a request reaching a terminal state.
func (m *Metrics) RecordRequestCompleted(kind, state string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.requestsCompleted.WithLabelValues(kind, state).Inc()
	m.requestDuration.WithLabelValues(kind, state).Observe(duration.Seconds())
	m.openRequests.Dec()
}

// RecordPoll records a reconciliation poll outcome.
func (m *Metrics) RecordPoll(result string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.pollsTotal.WithLabelValues(result).Inc()
	m.pollDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordProviderCall records a provider API call.
func (m *Metrics) RecordProviderCall(instance, operation string, duration time.Duration, err error) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(instance, operation).Inc()
	m.providerDuration.WithLabelValues(instance, operation).Observe(duration.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(instance, operation).Inc()
	}
}

// SetProviderHealth sets the health gauge for a provider instance.
func (m *Metrics) SetProviderHealth(instance string, health float64) {
	if m.registry == nil {
		return
	}
	m.providerHealth.WithLabelValues(instance).Set(health)
}

// SetMachineCount sets the machine gauge for a status.
func (m *Metrics) SetMachineCount(status string, count int) {
	if m.registry == nil {
		return
	}
	m.machinesByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordEventAppended records an appended event.
func (m *Metrics) RecordEventAppended(aggregateType, kind string) {
	if m.registry == nil {
		return
	}
	m.eventsAppended.WithLabelValues(aggregateType, kind).Inc()
}

// RecordConcurrencyConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordConcurrencyConflict() {
	if m.registry == nil {
		return
	}
	m.concurrencyConflicts.Inc()
}

// RecordRenderCache records a render cache lookup outcome.
func (m *Metrics) RecordRenderCache(hit bool) {
	if m.registry == nil {
		return
	}
	if hit {
		m.renderCacheHits.Inc()
	} else {
		m.renderCacheMisses.Inc()
	}
}
