package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	duesEvents      *prometheus.CounterVec
	duesAmount      *prometheus.CounterVec
	idempotentHits  prometheus.Counter
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repairhub_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan method, route dan status.",
	}, []string{"method", "route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repairhub_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	duesEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repairhub_dues_events_total",
		Help: "Jumlah perubahan buku piutang berdasarkan jenis event.",
	}, []string{"event"})
	duesAmount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repairhub_dues_amount_rupees_total",
		Help: "Nominal rupee (INR) yang tercatat per jenis event piutang.",
	}, []string{"event"})
	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repairhub_idempotent_replays_total",
		Help: "Jumlah permintaan yang dijawab dari cache idempotensi.",
	})
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requests, duration, duesEvents, duesAmount, replays,
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		duesEvents:      duesEvents,
		duesAmount:      duesAmount,
		idempotentHits:  replays,
	}
}

// RecordDuesEvent menambah counter event piutang beserta nominalnya.
func (m *Metrics) RecordDuesEvent(event string, amount float64) {
	if m == nil || event == "" {
		return
	}
	m.duesEvents.WithLabelValues(event).Inc()
	if amount > 0 {
		m.duesAmount.WithLabelValues(event).Add(amount)
	}
}

// RecordIdempotentReplay mencatat respons yang diputar ulang.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentHits.Inc()
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
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
