// Package metrics exposes the application-level prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters for the pipeline's billing-relevant decisions.
type Metrics struct {
	eventsAdmitted  prometheus.Counter
	eventsRejected  *prometheus.CounterVec
	consumeAllowed  prometheus.Counter
	consumeDenied   prometheus.Counter
	compensations   prometheus.Counter
	runOutcomes     *prometheus.CounterVec
	summarizerRetry prometheus.Counter
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		eventsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "summarly_events_admitted_total",
			Help: "Webhook events that passed signature and dedup checks.",
		}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "summarly_events_rejected_total",
			Help: "Webhook events rejected at the gate, by reason.",
		}, []string{"reason"}),
		consumeAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "summarly_quota_consumed_total",
			Help: "Ledger consumptions granted.",
		}),
		consumeDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "summarly_quota_denied_total",
			Help: "Ledger consumptions denied for quota.",
		}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "summarly_quota_compensated_total",
			Help: "Ledger increments reversed after downstream failure.",
		}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "summarly_runs_total",
			Help: "Orchestration runs by terminal state.",
		}, []string{"state"}),
		summarizerRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "summarly_summarizer_retries_total",
			Help: "Transient summarizer failures retried.",
		}),
	}
	registry.MustRegister(
		m.eventsAdmitted,
		m.eventsRejected,
		m.consumeAllowed,
		m.consumeDenied,
		m.compensations,
		m.runOutcomes,
		m.summarizerRetry,
	)
	return m
}

func (m *Metrics) IncEventAdmitted() {
	if m == nil {
		return
	}
	m.eventsAdmitted.Inc()
}

func (m *Metrics) IncEventRejected(reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncConsumeAllowed() {
	if m == nil {
		return
	}
	m.consumeAllowed.Inc()
}

func (m *Metrics) IncConsumeDenied() {
	if m == nil {
		return
	}
	m.consumeDenied.Inc()
}

func (m *Metrics) IncCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

func (m *Metrics) IncRunOutcome(state string) {
	if m == nil {
		return
	}
	m.runOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) IncSummarizerRetry() {
	if m == nil {
		return
	}
	m.summarizerRetry.Inc()
}

// HTTPMetrics instruments the gin surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(registry *prometheus.Registry) *HTTPMetrics {
	h := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "summarly_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "summarly_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	registry.MustRegister(h.requests, h.duration)
	return h
}

// GinMiddleware records request counts and latency.
func GinMiddleware(h *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		h.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		h.duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
