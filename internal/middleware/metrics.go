package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	messagesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsafety_messages_evaluated_total",
		Help: "Total number of messages evaluated",
	}, []string{"result"})

	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsafety_rejections_total",
		Help: "Total number of rejected messages by stage and category",
	}, []string{"stage", "category"})

	// Moderation model metrics
	moderationRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msgsafety_moderation_request_duration_seconds",
		Help:    "Duration of external moderation requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	moderationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsafety_moderation_requests_total",
		Help: "Total number of external moderation requests",
	}, []string{"status"})

	lateFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsafety_late_flags_total",
		Help: "Total number of already-sent messages flagged by background moderation",
	})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsafety_moderation_cache_hits_total",
		Help: "Total number of moderation cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsafety_moderation_cache_misses_total",
		Help: "Total number of moderation cache misses",
	})

	// Counter store metrics
	counterOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsafety_counter_operations_total",
		Help: "Total number of counter store operations",
	}, []string{"operation", "status"})

	dailyResetRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsafety_daily_reset_removed_total",
		Help: "Total number of stale counters removed by the daily reset",
	})

	activeCounters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgsafety_active_counters",
		Help: "Number of users with a message counter for today",
	})

	cachedVerdicts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgsafety_cached_verdicts",
		Help: "Number of moderation verdicts held in the cache",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordEvaluation records the outcome of one send evaluation
func (m *Metrics) RecordEvaluation(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	messagesEvaluated.WithLabelValues(result).Inc()
}

// RecordRejection records which stage rejected a message
func (m *Metrics) RecordRejection(stage, category string) {
	rejections.WithLabelValues(stage, category).Inc()
}

// RecordModerationRequest records an external moderation call
func (m *Metrics) RecordModerationRequest(status string, duration time.Duration) {
	moderationRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
	moderationRequestsTotal.WithLabelValues(status).Inc()
}

// RecordLateFlag records a background moderation hit
func (m *Metrics) RecordLateFlag() {
	lateFlags.Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordCounterOperation records a counter store call
func (m *Metrics) RecordCounterOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	counterOperations.WithLabelValues(operation, status).Inc()
}

// RecordDailyReset records how many counters a reset sweep removed
func (m *Metrics) RecordDailyReset(removed int) {
	dailyResetRemoved.Add(float64(removed))
}

// SetActiveCounters sets the number of live counters
func (m *Metrics) SetActiveCounters(count float64) {
	activeCounters.Set(count)
}

// SetCachedVerdicts sets the number of cached verdicts
func (m *Metrics) SetCachedVerdicts(count float64) {
	cachedVerdicts.Set(count)
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
