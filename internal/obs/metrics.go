package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	checkinOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_outcomes_total",
			Help: "Check-in attempts by outcome.",
		},
		[]string{"outcome"},
	)

	eventDeactivations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_deactivations_total",
		Help: "Events deactivated because their schedule elapsed.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the API can reach its store.",
	})

	initOnce sync.Once
)

// Init registers the metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			checkinOutcomes, eventDeactivations, ready)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheckin counts one check-in attempt.
func ObserveCheckin(outcome string) {
	checkinOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveDeactivation counts one lazy deactivation.
func ObserveDeactivation() {
	eventDeactivations.Inc()
}

// SetReady records the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request rate, latency and concurrency per route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// placeholders maps a collection segment to the name of the identifier
// that follows it.
var placeholders = map[string]string{
	"events": ":id",
	"verify": ":token",
}

// CanonicalPath collapses identifiers so metric label cardinality stays
// bounded by the route table.
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	for i := 1; i < len(parts); i++ {
		if ph, ok := placeholders[parts[i-1]]; ok && parts[i] != "" {
			parts[i] = ph
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
