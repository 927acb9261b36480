package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics for the presentation layer.
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
)

// Domain metrics for the submission orchestrator.
var (
	remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eta_remote_calls_total",
			Help: "Outbound calls to the eReceipt authority by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	remoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eta_remote_call_duration_seconds",
			Help:    "Outbound eReceipt call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eta_token_refreshes_total",
			Help: "Token cache refreshes by result.",
		},
		[]string{"result"},
	)

	documentsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eta_documents_total",
			Help: "Documents submitted by final per-document outcome.",
		},
		[]string{"outcome"},
	)

	pollResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eta_poll_results_total",
			Help: "Status poll results by normalized lifecycle state.",
		},
		[]string{"state"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		remoteCalls, remoteCallDuration,
		tokenRefreshes, documentsSubmitted, pollResults,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRemoteCall records one outbound authority call.
func ObserveRemoteCall(op, outcome string, d time.Duration) {
	remoteCalls.WithLabelValues(op, outcome).Inc()
	remoteCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

// CountTokenRefresh records a token cache refresh result ("ok" or "error").
func CountTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

// CountDocuments records per-document outcomes of a submission.
func CountDocuments(accepted, rejected int) {
	documentsSubmitted.WithLabelValues("accepted").Add(float64(accepted))
	documentsSubmitted.WithLabelValues("rejected").Add(float64(rejected))
}

// CountPollResult records the normalized state a polled UUID ended in.
func CountPollResult(state string) {
	pollResults.WithLabelValues(state).Inc()
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight metrics.
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

// CanonicalPath collapses receipt identifiers so metric cardinality stays
// bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(p, "/v1/receipts/"); ok {
		if strings.HasSuffix(rest, "/status") && !strings.Contains(strings.TrimSuffix(rest, "/status"), "/") {
			return "/v1/receipts/:uuid/status"
		}
	}
	if rest, ok := strings.CutPrefix(p, "/v1/submissions/"); ok {
		if rest != "" && !strings.Contains(rest, "/") {
			return "/v1/submissions/:uuid"
		}
	}
	return p
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
