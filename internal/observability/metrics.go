package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the Prometheus registry and every metric family the
// service exports.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sagasStarted     *prometheus.CounterVec
	sagasCompleted   *prometheus.CounterVec
	sagasFailed      *prometheus.CounterVec
	sagasCompensated *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	sagasAbandoned   prometheus.Gauge
}

// NewMetrics initializes the registry with HTTP and saga metric families.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_sagas_started_total",
		Help: "Sagas started, by saga type.",
	}, []string{"type"})
	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_sagas_completed_total",
		Help: "Sagas that reached completed, by saga type.",
	}, []string{"type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_sagas_failed_total",
		Help: "Sagas that reached failed, by saga type.",
	}, []string{"type"})
	compensated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_sagas_compensated_total",
		Help: "Sagas that finished compensation, by saga type.",
	}, []string{"type"})
	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propledger_saga_step_duration_seconds",
		Help:    "Duration of individual saga step executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type", "step"})
	abandoned := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "propledger_sagas_abandoned",
		Help: "Running sagas whose heartbeat exceeded their timeout.",
	})
	registry.MustRegister(requests, duration, started, completed, failed,
		compensated, stepDuration, abandoned)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		sagasStarted:     started,
		sagasCompleted:   completed,
		sagasFailed:      failed,
		sagasCompensated: compensated,
		stepDuration:     stepDuration,
		sagasAbandoned:   abandoned,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latency for every HTTP request.
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

// Registerer exposes the registry for additional metric families.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// The saga lifecycle methods satisfy the orchestrator's Metrics interface.

func (m *Metrics) SagaStarted(sagaType string) {
	if m != nil {
		m.sagasStarted.WithLabelValues(sagaType).Inc()
	}
}

func (m *Metrics) SagaCompleted(sagaType string) {
	if m != nil {
		m.sagasCompleted.WithLabelValues(sagaType).Inc()
	}
}

func (m *Metrics) SagaFailed(sagaType string) {
	if m != nil {
		m.sagasFailed.WithLabelValues(sagaType).Inc()
	}
}

func (m *Metrics) SagaCompensated(sagaType string) {
	if m != nil {
		m.sagasCompensated.WithLabelValues(sagaType).Inc()
	}
}

func (m *Metrics) StepDuration(sagaType, step string, d time.Duration) {
	if m != nil {
		m.stepDuration.WithLabelValues(sagaType, step).Observe(d.Seconds())
	}
}

// SetAbandoned satisfies the watchdog's gauge interface.
func (m *Metrics) SetAbandoned(n int) {
	if m != nil {
		m.sagasAbandoned.Set(float64(n))
	}
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
