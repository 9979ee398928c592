package obs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	// constant 1, the labels carry the data
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clubkit_build_info",
			Help: "Build and storage backend of the running clubkit instance.",
		},
		[]string{"version", "commit", "backend"},
	)
)

// Membership metrics
var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_transitions_total",
			Help: "Membership lifecycle operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	catalogLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_catalog_loads_total",
			Help: "Category catalog loads by source and result.",
		},
		[]string{"source", "result"},
	)
)

var initOnce sync.Once

// Init registers metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, ready, buildInfo,
			transitionsTotal, catalogLookups)
	})
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo publishes the running build and the storage backend it serves from.
func SetBuildInfo(version, commit, backend string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, backend).Set(1)
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// outcomeClasses maps error classes to transition outcome labels.
var outcomeClasses []struct {
	target error
	label  string
}

// RegisterOutcome maps errors matching target (errors.Is) to label. Call it from init.
func RegisterOutcome(target error, label string) {
	outcomeClasses = append(outcomeClasses, struct {
		target error
		label  string
	}{target, label})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range outcomeClasses {
		if errors.Is(err, c.target) {
			return c.label
		}
	}
	return "error"
}

// ObserveTransition counts a lifecycle operation.
func ObserveTransition(op string, err error) {
	transitionsTotal.WithLabelValues(op, outcome(err)).Inc()
}

// ObserveCatalogLoad counts a catalog load from source ("cache", "store", "file").
func ObserveCatalogLoad(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	catalogLookups.WithLabelValues(source, result).Inc()
}

// Instrument measures rate, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces record keys so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "memberships" && parts[2] != "stream" {
		switch {
		case len(parts) == 3:
			return "/v1/memberships/:key"
		case len(parts) == 4 && isMembershipAction(parts[3]):
			return "/v1/memberships/:key/" + parts[3]
		}
	}
	return raw
}

func isMembershipAction(s string) bool {
	switch s {
	case "thread", "comments", "end", "category":
		return true
	}
	return false
}

// statusWriter keeps the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
