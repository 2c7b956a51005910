package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/orgfeed/pkg/audit"
	"github.com/platinummonkey/orgfeed/pkg/events"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Change bus metrics
	SignalsPublishedTotal *prometheus.CounterVec
	SignalsDroppedTotal   *prometheus.CounterVec
	SignalsCoalescedTotal prometheus.Counter
	PublishRetriesTotal   prometheus.Counter
	PublishFailuresTotal  prometheus.Counter

	// Materializer metrics
	SessionsActive  prometheus.Gauge
	RequeryDuration *prometheus.HistogramVec
	RequeryErrors   *prometheus.CounterVec

	// Notification and event metrics
	NotificationsTotal *prometheus.CounterVec
	SinkFailuresTotal  *prometheus.CounterVec

	// Authorization metrics
	AuthorizationTotal *prometheus.CounterVec
	AdminActionsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orgfeed_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		SignalsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_signals_published_total",
				Help: "Change signals accepted by the bus",
			},
			[]string{"entity_kind"},
		),
		SignalsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_signals_dropped_total",
				Help: "Change signals discarded by subscriber overflow",
			},
			[]string{"reason"},
		),
		SignalsCoalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orgfeed_signals_coalesced_total",
				Help: "Change signals merged into a pending one",
			},
		),
		PublishRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orgfeed_signal_publish_retries_total",
				Help: "Signal publish attempts retried after a transient failure",
			},
		),
		PublishFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orgfeed_signal_publish_failures_total",
				Help: "Signals given up on after retries",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgfeed_sessions_active",
				Help: "Open materialized view sessions",
			},
		),
		RequeryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orgfeed_requery_duration_seconds",
				Help:    "Duration of view re-queries",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"kind"},
		),
		RequeryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_requery_errors_total",
				Help: "View re-queries that failed",
			},
			[]string{"kind"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_notifications_created_total",
				Help: "Notifications persisted",
			},
			[]string{"type"},
		),
		SinkFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_event_sink_failures_total",
				Help: "Domain event deliveries a sink failed",
			},
			[]string{"sink", "event_type"},
		),

		AuthorizationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_authorization_total",
				Help: "Audited authorization outcomes",
			},
			[]string{"resource_type", "status"},
		),
		AdminActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgfeed_admin_actions_total",
				Help: "Audited administrative changes",
			},
			[]string{"event_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SignalsPublishedTotal,
		m.SignalsDroppedTotal,
		m.SignalsCoalescedTotal,
		m.PublishRetriesTotal,
		m.PublishFailuresTotal,
		m.SessionsActive,
		m.RequeryDuration,
		m.RequeryErrors,
		m.NotificationsTotal,
		m.SinkFailuresTotal,
		m.AuthorizationTotal,
		m.AdminActionsTotal,
	)
	return m
}

// RegisterDBStats exports connection pool statistics for db
func RegisterDBStats(registry prometheus.Registerer, db *sql.DB, name string) {
	registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

func (m *Metrics) SignalPublished(kind string) { m.SignalsPublishedTotal.WithLabelValues(kind).Inc() }
func (m *Metrics) SignalDropped(reason string) { m.SignalsDroppedTotal.WithLabelValues(reason).Inc() }
func (m *Metrics) SignalCoalesced()            { m.SignalsCoalescedTotal.Inc() }
func (m *Metrics) PublishRetried()             { m.PublishRetriesTotal.Inc() }
func (m *Metrics) PublishFailed()              { m.PublishFailuresTotal.Inc() }

func (m *Metrics) SessionOpened() { m.SessionsActive.Inc() }
func (m *Metrics) SessionClosed() { m.SessionsActive.Dec() }

// RequeryObserved records one view re-query
func (m *Metrics) RequeryObserved(kind string, d time.Duration, err error) {
	m.RequeryDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.RequeryErrors.WithLabelValues(kind).Inc()
	}
}

// NotificationsCreated counts newly stored notifications
func (m *Metrics) NotificationsCreated(typ string, n int) {
	if n > 0 {
		m.NotificationsTotal.WithLabelValues(typ).Add(float64(n))
	}
}

// SinkFailed is an events.FailureObserver
func (m *Metrics) SinkFailed(sink string, evt events.DomainEvent, _ error) {
	m.SinkFailuresTotal.WithLabelValues(sink, string(evt.Type)).Inc()
}

// AuditLogger returns an audit.Logger that counts what it is given
func (m *Metrics) AuditLogger() audit.Logger {
	return auditCounter{m: m}
}

type auditCounter struct {
	m *Metrics
}

func (a auditCounter) Log(_ context.Context, evt *audit.AuditEvent) error {
	if evt.ResourceType != "" {
		a.m.AuthorizationTotal.WithLabelValues(string(evt.ResourceType), string(evt.Status)).Inc()
	} else {
		a.m.AdminActionsTotal.WithLabelValues(string(evt.EventType)).Inc()
	}
	return nil
}

func (a auditCounter) LogAuthorization(_ context.Context, _, _ string, resourceType audit.ResourceType, _ string, status audit.EventStatus, _ string) error {
	a.m.AuthorizationTotal.WithLabelValues(string(resourceType), string(status)).Inc()
	return nil
}

func (a auditCounter) LogAdminAction(_ context.Context, eventType audit.EventType, _, _, _, _ string) error {
	a.m.AdminActionsTotal.WithLabelValues(string(eventType)).Inc()
	return nil
}

func (auditCounter) Close() error { return nil }

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMetricsMiddleware instruments requests. Routes are labelled by their
// mux path template so ids do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint mounts /metrics on r
func RegisterMetricsEndpoint(r *mux.Router, gatherer prometheus.Gatherer) {
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
