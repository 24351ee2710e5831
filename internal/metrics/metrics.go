package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: chat relay requests by outcome (ok, invalid, upstream_error, truncated).
	ChatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total chat relay requests by outcome.",
		},
		[]string{"outcome"},
	)

	// Counter: content fragments relayed to clients.
	StreamFragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_fragments_total",
			Help: "Total content fragments relayed to clients.",
		},
	)

	// Counter: upstream provider failures (pre-stream and mid-stream).
	UpstreamFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_failures_total",
			Help: "Total upstream provider failures.",
		},
	)

	// Histogram: relay HTTP latency in seconds. Streaming requests run as
	// long as the generation does, hence the wide upper buckets.
	RelayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_latency_seconds",
			Help:    "HTTP request latency for the relay in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		ChatRequestsTotal,
		StreamFragmentsTotal,
		UpstreamFailuresTotal,
		RelayLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures relay latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		RelayLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes the streaming flush through to the underlying writer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
