package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peergate",
			Name:      "handshakes_total",
			Help:      "Total number of handshakes by role and outcome.",
		},
		[]string{"role", "outcome"},
	)

	HandshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peergate",
			Name:      "handshake_duration_seconds",
			Help:      "Time until a handshake reaches a terminal outcome.",
			// Covers 1ms .. ~16s: single attempts plus full retry sequences.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"role"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peergate",
			Name:      "in_flight_handshakes",
			Help:      "Current number of handshakes in progress.",
		},
		[]string{"role"},
	)

	DecodeDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peergate",
			Name:      "decode_drops_total",
			Help:      "Inbound datagrams dropped because they failed to decode.",
		},
	)

	UnmatchedResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peergate",
			Name:      "unmatched_responses_total",
			Help:      "Responses discarded because no outstanding request nonce matched.",
		},
	)

	StaleRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peergate",
			Name:      "stale_requests_total",
			Help:      "Requests dropped because their timestamp was too old.",
		},
	)

	BatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peergate",
			Name:      "batches_total",
			Help:      "Completed handshake batches.",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peergate",
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peergate",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peergate",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "peergate",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(HandshakesTotal, HandshakeDuration, InFlight,
		DecodeDropsTotal, UnmatchedResponsesTotal, StaleRequestsTotal, BatchesTotal,
		httpRequestsTotal, httpRequestDuration, buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// RegisterPeerGauge exposes the handshake registry size as a gauge. fn is
// read on every scrape; call this at most once per process.
func RegisterPeerGauge(fn func() float64) {
	Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "peergate",
			Name:      "known_peers",
			Help:      "Number of peers in the handshake registry.",
		},
		fn,
	))
}

// ObserveHandshake records one terminal handshake outcome for role.
func ObserveHandshake(role, outcome string, d time.Duration) {
	HandshakesTotal.WithLabelValues(role, outcome).Inc()
	HandshakeDuration.WithLabelValues(role).Observe(d.Seconds())
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		httpRequestsTotal.WithLabelValues(op, class).Inc()
		httpRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
