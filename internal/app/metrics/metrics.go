package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custody_ledger"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerPostings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "postings_total",
			Help:      "Ledger entries appended, by kind. Replays are counted as duplicate.",
		},
		[]string{"kind", "duplicate"},
	)

	holdOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "hold_operations_total",
			Help:      "Hold create/release/consume/transfer/cancel operations.",
		},
		[]string{"operation", "duplicate"},
	)

	withdrawalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "transitions_total",
			Help:      "Withdrawal state transitions by target status.",
		},
		[]string{"status"},
	)

	indexerCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "cycles_total",
			Help:      "Indexer polling cycles by result.",
		},
		[]string{"result"},
	)

	indexerActivity = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "activity_processed_total",
			Help:      "External transfers reconciled by the indexer.",
		},
	)

	indexerRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "activity_rejected_total",
			Help:      "External transfers recorded as rejected instead of applied.",
		},
		[]string{"direction"},
	)

	indexerCheckpoint = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "checkpoint",
			Help:      "Last fully processed external ledger position.",
		},
	)

	indexerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of indexer cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	sponsorSpend = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sponsor",
			Name:      "spent_total",
			Help:      "Fees paid from the sponsor budget, in smallest units.",
		},
	)

	sponsorDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sponsor",
			Name:      "decisions_total",
			Help:      "Sponsorship checks by outcome.",
		},
		[]string{"allowed"},
	)

	pendingTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "outcomes_total",
			Help:      "Pending transfer lifecycle outcomes.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerPostings,
		holdOperations,
		withdrawalTransitions,
		indexerCycles,
		indexerActivity,
		indexerRejected,
		indexerCheckpoint,
		indexerDuration,
		sponsorSpend,
		sponsorDecisions,
		pendingTransfers,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TrackInFlight increments the in-flight gauge and returns its release func.
func TrackInFlight() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPosting counts a ledger entry append.
func RecordPosting(kind string, duplicate bool) {
	ledgerPostings.WithLabelValues(kind, strconv.FormatBool(duplicate)).Inc()
}

// RecordHoldOperation counts a hold operation.
func RecordHoldOperation(operation string, duplicate bool) {
	holdOperations.WithLabelValues(operation, strconv.FormatBool(duplicate)).Inc()
}

// RecordWithdrawalTransition counts a withdrawal entering status.
func RecordWithdrawalTransition(status string) {
	withdrawalTransitions.WithLabelValues(status).Inc()
}

// RecordIndexerCycle records one indexer cycle.
func RecordIndexerCycle(duration time.Duration, processed int, checkpoint uint64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	indexerCycles.WithLabelValues(result).Inc()
	indexerDuration.Observe(duration.Seconds())
	if processed > 0 {
		indexerActivity.Add(float64(processed))
	}
	if err == nil {
		indexerCheckpoint.Set(float64(checkpoint))
	}
}

// RecordIndexerRejected counts an activity set aside for manual review.
func RecordIndexerRejected(direction string) {
	indexerRejected.WithLabelValues(direction).Inc()
}

// RecordSponsorDecision counts a sponsorship check.
func RecordSponsorDecision(allowed bool) {
	sponsorDecisions.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// RecordSponsorSpend adds a recorded sponsored fee.
func RecordSponsorSpend(fee uint64) {
	sponsorSpend.Add(float64(fee))
}

// RecordPendingTransfer counts a pending transfer reaching status.
func RecordPendingTransfer(status string) {
	pendingTransfers.WithLabelValues(status).Inc()
}
