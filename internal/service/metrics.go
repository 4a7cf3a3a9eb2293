package service

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apex-x/inference-envelope/internal/envelope"
)

const metricsNamespace = "envelope"

// Metrics owns a private registry so several services can coexist in one
// process.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	inflight         prometheus.Gauge
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchErrors   *prometheus.CounterVec
	batchSize        *prometheus.HistogramVec
	queueWait        prometheus.Histogram
	queueDepth       prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Predict requests currently being served.",
		}),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "total",
				Help:      "Dispatches by protocol and outcome.",
			},
			[]string{"protocol", "success"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Parse, handle and format time per dispatch.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		dispatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "errors_total",
				Help:      "Failed dispatches by error kind.",
			},
			[]string{"protocol", "kind"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "batch_size",
				Help:      "Canonical items per parsed request.",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"protocol"},
		),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "queue_wait_seconds",
			Help:      "Time a job waited for a worker.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
	}
	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.inflight,
		m.dispatchTotal,
		m.dispatchDuration,
		m.dispatchErrors,
		m.batchSize,
		m.queueWait,
		m.queueDepth,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequestStart() {
	m.inflight.Inc()
}

func (m *Metrics) RecordRequestDone(route string, status int, latency time.Duration) {
	m.inflight.Dec()
	m.RecordHTTPRequest(route, status, latency)
}

func (m *Metrics) RecordHTTPRequest(route string, status int, latency time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(latency.Seconds())
}

// ObserveDispatch satisfies dispatch.Observer.
func (m *Metrics) ObserveDispatch(protocol envelope.Protocol, batchSize int, duration time.Duration, err error) {
	label := string(protocol)
	m.dispatchTotal.WithLabelValues(label, strconv.FormatBool(err == nil)).Inc()
	m.dispatchDuration.WithLabelValues(label).Observe(duration.Seconds())
	if err != nil {
		kind := envelope.Kind(err)
		if kind == "" {
			kind = "unknown"
		}
		m.dispatchErrors.WithLabelValues(label, kind).Inc()
		if envelope.IsInputError(err) {
			return
		}
	}
	m.batchSize.WithLabelValues(label).Observe(float64(batchSize))
}

func (m *Metrics) OnPredictStart(_ context.Context, _ PredictEvent) {
	m.RecordRequestStart()
}

func (m *Metrics) OnPredictDone(_ context.Context, event PredictEvent) {
	m.RecordRequestDone(event.Route, event.Status, event.Duration)
}

func (m *Metrics) OnJob(_ context.Context, event JobEvent) {
	m.RecordJob(event.QueueWait, event.QueueDepth)
}

func (m *Metrics) RecordJob(queueWait time.Duration, queueDepth int) {
	if queueWait < 0 {
		queueWait = 0
	}
	m.queueWait.Observe(queueWait.Seconds())
	m.queueDepth.Set(float64(queueDepth))
}
