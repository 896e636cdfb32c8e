package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wallet_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallet_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	transfersStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_layer",
			Subsystem: "transfers",
			Name:      "started_total",
			Help:      "Total number of cross-chain transfers started.",
		},
		[]string{"profile"},
	)

	transfersFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_layer",
			Subsystem: "transfers",
			Name:      "finished_total",
			Help:      "Total number of transfers reaching a terminal state.",
		},
		[]string{"status", "stage"},
	)

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallet_layer",
			Subsystem: "transfers",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of completed transfers.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"profile"},
	)

	attestationPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_layer",
			Subsystem: "attestation",
			Name:      "polls_total",
			Help:      "Total number of attestation poll attempts.",
		},
		[]string{"profile", "outcome"},
	)

	delegatedExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_layer",
			Subsystem: "delegate",
			Name:      "executions_total",
			Help:      "Total number of delegated execution attempts.",
		},
		[]string{"action", "outcome"},
	)

	spendRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_layer",
			Subsystem: "sessionkeys",
			Name:      "spend_recorded_total",
			Help:      "Units of value booked against session key limits.",
		},
		[]string{"agent_id"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		transfersStarted,
		transfersFinished,
		transferDuration,
		attestationPolls,
		delegatedExecutions,
		spendRecorded,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

func profileLabel(fast bool) string {
	if fast {
		return "fast"
	}
	return "standard"
}

// RecordTransferStarted counts a transfer entering the pipeline.
func RecordTransferStarted(fast bool) {
	transfersStarted.WithLabelValues(profileLabel(fast)).Inc()
}

// RecordTransferFinished counts a transfer reaching a terminal state. Stage
// names the step during which a failed transfer stopped; completed transfers
// report stage "done".
func RecordTransferFinished(status string, stage string, fast bool, duration time.Duration) {
	if stage == "" {
		stage = "done"
	}
	transfersFinished.WithLabelValues(status, stage).Inc()
	if duration > 0 {
		transferDuration.WithLabelValues(profileLabel(fast)).Observe(duration.Seconds())
	}
}

// RecordAttestationPoll counts one poll attempt outcome.
func RecordAttestationPoll(fast bool, outcome string) {
	attestationPolls.WithLabelValues(profileLabel(fast), outcome).Inc()
}

// RecordDelegatedExecution counts a delegated execution attempt.
func RecordDelegatedExecution(action, outcome string) {
	delegatedExecutions.WithLabelValues(action, outcome).Inc()
}

// RecordSpend counts value booked against a session key.
func RecordSpend(agentID string, amount int64) {
	if agentID == "" {
		agentID = "unknown"
	}
	spendRecorded.WithLabelValues(agentID).Add(float64(amount))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	// Collapse resource ids: /transfers/<id> -> /transfers/:id
	return "/" + parts[0] + "/:id"
}
