package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every Prometheus collector of the engine.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Event store
	eventsAppended      *prometheus.CounterVec
	eventsVerified      prometheus.Counter
	assessmentsRecorded prometheus.Counter

	// Scoring
	standingCacheHits   prometheus.Counter
	standingCacheMisses prometheus.Counter
	standingCompute     prometheus.Histogram

	// State machines
	milestoneTransitions    *prometheus.CounterVec
	subscriptionTransitions *prometheus.CounterVec
	billingEvents           *prometheus.CounterVec
	reactionFailures        *prometheus.CounterVec
	auditFailures           *prometheus.CounterVec
	sweepExpired            prometheus.Counter
	sweepDuration           prometheus.Histogram

	// Access gate
	accessDecisions *prometheus.CounterVec
	accessLatency   prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to keep /metrics limited to engine and process collectors.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	customRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager. Without WithPrometheusRegistry the
// collectors are registered on prometheus.DefaultRegisterer.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "progression",
		subsystem:        "engine",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) initializeMetrics() {
	m.eventsAppended = m.counterVec("events_appended_total",
		"Scored events appended to the history, by category", "category")
	m.eventsVerified = m.counter("events_verified_total",
		"Scored events flipped to verified")
	m.assessmentsRecorded = m.counter("assessments_recorded_total",
		"Assessment records appended to the history")

	m.standingCacheHits = m.counter("standing_cache_hits_total",
		"Standing reads served from the cache")
	m.standingCacheMisses = m.counter("standing_cache_misses_total",
		"Standing reads that replayed history")
	m.standingCompute = m.histogram("standing_compute_seconds",
		"Time spent replaying history into a standing")

	m.milestoneTransitions = m.counterVec("milestone_transitions_total",
		"Milestone rows entering a status", "milestone_type", "status")
	m.subscriptionTransitions = m.counterVec("subscription_transitions_total",
		"Effective subscription status changes", "from", "to")
	m.billingEvents = m.counterVec("billing_events_total",
		"Normalized billing events applied, by kind and outcome", "kind", "outcome")
	m.reactionFailures = m.counterVec("milestone_reaction_failures_total",
		"Automatic milestone completions that failed", "milestone_type")
	m.auditFailures = m.counterVec("audit_write_failures_total",
		"Audit entries that could not be written, by subject kind", "subject")
	m.sweepExpired = m.counter("milestone_sweep_expired_total",
		"Milestones expired by the periodic sweep")
	m.sweepDuration = m.histogram("milestone_sweep_seconds",
		"Duration of a milestone expiry sweep")

	m.accessDecisions = m.counterVec("access_decisions_total",
		"Access decisions by reason", "reason")
	m.accessLatency = m.histogram("access_decision_seconds",
		"Time to evaluate one access decision")

	m.httpRequests = m.counterVec("http_requests_total",
		"HTTP requests by route, method and status", "route", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration by route and method",
		Buckets:   m.histogramBuckets,
	}, []string{"route", "method"})
}

// =============================================================================
// RECORDING FUNCTIONS - Operate on the global manager
// =============================================================================

func RecordEventAppended(category string) {
	globalManager.eventsAppended.WithLabelValues(category).Inc()
}

func RecordEventVerified() {
	globalManager.eventsVerified.Inc()
}

func RecordAssessmentRecorded() {
	globalManager.assessmentsRecorded.Inc()
}

func RecordStandingCacheHit() {
	globalManager.standingCacheHits.Inc()
}

func RecordStandingCacheMiss() {
	globalManager.standingCacheMisses.Inc()
}

func ObserveStandingCompute(d time.Duration) {
	globalManager.standingCompute.Observe(d.Seconds())
}

func RecordMilestoneTransition(milestoneType, status string) {
	globalManager.milestoneTransitions.WithLabelValues(milestoneType, status).Inc()
}

func RecordSubscriptionTransition(from, to string) {
	globalManager.subscriptionTransitions.WithLabelValues(from, to).Inc()
}

func RecordBillingEvent(kind, outcome string) {
	globalManager.billingEvents.WithLabelValues(kind, outcome).Inc()
}

func RecordReactionFailure(milestoneType string) {
	globalManager.reactionFailures.WithLabelValues(milestoneType).Inc()
}

func RecordAuditFailure(subject string) {
	globalManager.auditFailures.WithLabelValues(subject).Inc()
}

func RecordSweep(expired int, d time.Duration) {
	globalManager.sweepExpired.Add(float64(expired))
	globalManager.sweepDuration.Observe(d.Seconds())
}

func RecordAccessDecision(reason string, d time.Duration) {
	globalManager.accessDecisions.WithLabelValues(reason).Inc()
	globalManager.accessLatency.Observe(d.Seconds())
}

func RecordHTTPRequest(route, method, statusCode string, d time.Duration) {
	globalManager.httpRequests.WithLabelValues(route, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// GetRegistry returns the registry backing the global manager.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// Handler serves the global registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(customRegistry, promhttp.HandlerOpts{})
}
