// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Queue metrics
	JobsProcessed prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRetried   prometheus.Counter
	JobDuration   prometheus.Histogram
	QueueDepth    *prometheus.GaugeVec

	// Verification metrics
	VerificationOutcomes *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	LedgerPolls          prometheus.Counter

	// Referral metrics
	ReferralRewardsApplied *prometheus.CounterVec
	RollingSweeps          *prometheus.CounterVec

	// Notification metrics
	NotificationsSent *prometheus.CounterVec

	// Latency metrics
	RPCCallLatency *prometheus.HistogramVec
	HTTPRequests   *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solana_referral_billing"
	}

	return &Metrics{
		// Queue metrics
		JobsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		JobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that failed permanently or exhausted retries",
		}),
		JobsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_retried_total",
			Help:      "Total number of job attempts scheduled for retry",
		}),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of a single job attempt in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 180},
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs by state",
		}, []string{"state"}),

		// Verification metrics
		VerificationOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "outcomes_total",
			Help:      "Payment verification outcomes by result",
		}, []string{"outcome"}),
		VerificationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "duration_seconds",
			Help:      "Time from job start to verification outcome in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		LedgerPolls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "ledger_polls_total",
			Help:      "Total number of getTransaction polls",
		}),

		// Referral metrics
		ReferralRewardsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "rewards_applied_total",
			Help:      "Referral rewards credited by referrer tier",
		}, []string{"tier"}),
		RollingSweeps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "rolling_sweeps_total",
			Help:      "Rolling 24h reward sweeps by status",
		}, []string{"status"}),

		// Notification metrics
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notifications by sink, event and status",
		}, []string{"sink", "event", "status"}),

		// Latency metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordJobProcessed records a successfully completed job attempt.
func RecordJobProcessed(seconds float64) {
	DefaultMetrics.JobsProcessed.Inc()
	DefaultMetrics.JobDuration.Observe(seconds)
}

// RecordJobFailed records a job that will not be retried.
func RecordJobFailed(seconds float64) {
	DefaultMetrics.JobsFailed.Inc()
	DefaultMetrics.JobDuration.Observe(seconds)
}

// RecordJobRetried records a failed attempt scheduled for retry.
func RecordJobRetried(seconds float64) {
	DefaultMetrics.JobsRetried.Inc()
	DefaultMetrics.JobDuration.Observe(seconds)
}

// UpdateQueueDepth updates the queue depth gauges.
func UpdateQueueDepth(waiting, active, delayed, failed int64) {
	DefaultMetrics.QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	DefaultMetrics.QueueDepth.WithLabelValues("active").Set(float64(active))
	DefaultMetrics.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	DefaultMetrics.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordVerification records a verification outcome and its duration.
func RecordVerification(outcome string, seconds float64) {
	DefaultMetrics.VerificationOutcomes.WithLabelValues(outcome).Inc()
	DefaultMetrics.VerificationDuration.Observe(seconds)
}

// RecordLedgerPoll increments the ledger poll counter.
func RecordLedgerPoll() {
	DefaultMetrics.LedgerPolls.Inc()
}

// RecordReferralReward records a credited referral reward.
func RecordReferralReward(tier string) {
	DefaultMetrics.ReferralRewardsApplied.WithLabelValues(tier).Inc()
}

// RecordRollingSweep records a rolling reward sweep run.
func RecordRollingSweep(status string) {
	DefaultMetrics.RollingSweeps.WithLabelValues(status).Inc()
}

// RecordNotification records a notification delivery attempt.
func RecordNotification(sink, event string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.NotificationsSent.WithLabelValues(sink, event, status).Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.RPCCallLatency.WithLabelValues(method, status).Observe(seconds)
}

// RecordHTTPRequest records a served HTTP request.
func RecordHTTPRequest(route, code string) {
	DefaultMetrics.HTTPRequests.WithLabelValues(route, code).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
