package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcomes recorded by ObserveLogin.
const (
	LoginSuccess     = "success"
	LoginInvalid     = "invalid"
	LoginRateLimited = "rate_limited"
	LoginUnavailable = "unavailable"
)

// Metrics collects the Prometheus metrics exported by the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	loginsTotal     *prometheus.CounterVec
	ipBlocksTotal   *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	eventsDropped   prometheus.Counter
}

// NewMetrics initialises the registry and the metric families.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sisadmin_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sisadmin_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	logins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sisadmin_auth_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})
	blocks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sisadmin_auth_ip_blocks_total",
		Help: "IP addresses placed on the blocklist, by reason.",
	}, []string{"reason"})
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sisadmin_auth_sessions_invalidated_total",
		Help: "Sessions ended without an explicit logout, by reason.",
	}, []string{"reason"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sisadmin_security_events_dropped_total",
		Help: "Security events discarded because the sink queue was full.",
	})
	registry.MustRegister(requests, duration, logins, blocks, sessions, dropped)
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, outcome := range []string{LoginSuccess, LoginInvalid, LoginRateLimited, LoginUnavailable} {
		logins.WithLabelValues(outcome)
	}
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		loginsTotal:     logins,
		ipBlocksTotal:   blocks,
		sessionsEnded:   sessions,
		eventsDropped:   dropped,
	}
}

// Handler returns the http.Handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveLogin counts a login attempt outcome.
func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIPBlock counts an IP placed on the blocklist.
func (m *Metrics) ObserveIPBlock(reason string) {
	if m == nil {
		return
	}
	m.ipBlocksTotal.WithLabelValues(reason).Inc()
}

// ObserveSessionInvalidated counts a session dropped for integrity or timeout.
func (m *Metrics) ObserveSessionInvalidated(reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

// ObserveEventDropped counts a security event lost to back-pressure.
func (m *Metrics) ObserveEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
