package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for PoolLedger.
type Metrics struct {
	// --- Service operations ---
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// --- Allocation ---
	AllocationsCreated  *prometheus.CounterVec
	AllocationsReleased *prometheus.CounterVec
	CapitalLocked       *prometheus.CounterVec

	// --- Pending transactions ---
	PendingTransitions *prometheus.CounterVec
	PendingExpired     prometheus.Counter
	RetryLimitReached  prometheus.Counter

	// --- Outcome dedup ---
	OutcomeDuplicates *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter

	// --- Settlement & premium ---
	SettlementsApplied *prometheus.CounterVec
	CapitalSettled     *prometheus.CounterVec
	PremiumCredited    *prometheus.CounterVec

	// --- Pool metrics refresh ---
	MetricsRefresh        *prometheus.CounterVec
	MetricsRefreshSkipped *prometheus.CounterVec
	PoolLiquidity         *prometheus.GaugeVec
	PoolUtilization       *prometheus.GaugeVec
	PoolYield             *prometheus.GaugeVec

	// --- Messaging ---
	IngestMessages *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec
	PublishErrors  *prometheus.CounterVec
	NotifyErrors   prometheus.Counter

	// --- Scheduler ---
	SchedulerRuns *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	HTTPRateLimited prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// yields unregistered collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_operations_total",
			Help: "Service operations by result",
		}, []string{"operation", "result"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_operation_duration_seconds",
			Help:    "Service operation latency",
			Buckets: opBuckets,
		}, []string{"operation"}),

		AllocationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_allocations_created_total",
			Help: "Policies allocated",
		}, []string{"token"}),

		AllocationsReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_allocations_released_total",
			Help: "Allocations moved to EXPIRED or CANCELLED",
		}, []string{"status"}),

		CapitalLocked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_capital_locked_total",
			Help: "Capital locked by new allocations (base units)",
		}, []string{"token"}),

		PendingTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_pending_transitions_total",
			Help: "Pending transaction state changes",
		}, []string{"tx_type", "status"}),

		PendingExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_pending_expired_total",
			Help: "PENDING transactions failed by the expiry job",
		}),

		RetryLimitReached: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_retry_limit_reached_total",
			Help: "Transactions frozen for manual intervention",
		}),

		OutcomeDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_outcome_duplicates_total",
			Help: "Duplicate outcomes caught (lru/store)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_dedup_lru_size",
			Help: "Current outcome LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_dedup_lru_evictions_total",
			Help: "Outcome LRU evictions",
		}),

		SettlementsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_settlements_total",
			Help: "Claim settlements by final status",
		}, []string{"status"}),

		CapitalSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_capital_settled_total",
			Help: "Capital paid out to claimants (base units)",
		}, []string{"token"}),

		PremiumCredited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_premium_credited_total",
			Help: "Premium credited to providers (base units)",
		}, []string{"token"}),

		MetricsRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_metrics_refresh_total",
			Help: "Pool metrics snapshots by result",
		}, []string{"result"}),

		MetricsRefreshSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_metrics_refresh_skipped_total",
			Help: "Refresh requests not scheduled (coalesced/queue_full/stopped)",
		}, []string{"reason"}),

		PoolLiquidity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_liquidity",
			Help: "Latest snapshot liquidity (base units)",
		}, []string{"token", "kind"}),

		PoolUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_utilization_ratio",
			Help: "Locked over total liquidity",
		}, []string{"token"}),

		PoolYield: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_annualized_yield_ratio",
			Help: "Annualized premium yield",
		}, []string{"token"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ingest_messages_total",
			Help: "Inbound messages by kind and result (ack/nak/term)",
		}, []string{"kind", "result"}),

		IngestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_ingest_handle_duration_seconds",
			Help:    "Time to handle one inbound message",
			Buckets: opBuckets,
		}, []string{"kind"}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_publish_errors_total",
			Help: "Outbound event publish failures",
		}, []string{"event_type"}),

		NotifyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_notify_errors_total",
			Help: "Status push failures",
		}),

		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_scheduler_runs_total",
			Help: "Cron job runs by result",
		}, []string{"job", "result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: opBuckets,
		}, []string{"route"}),

		HTTPRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// SetPoolGauges mirrors a metrics snapshot into the gauges.
func (m *Metrics) SetPoolGauges(token string, total, available, locked int64, utilization, yield decimal.Decimal) {
	m.PoolLiquidity.WithLabelValues(token, "total").Set(float64(total))
	m.PoolLiquidity.WithLabelValues(token, "available").Set(float64(available))
	m.PoolLiquidity.WithLabelValues(token, "locked").Set(float64(locked))
	m.PoolUtilization.WithLabelValues(token).Set(utilization.InexactFloat64())
	m.PoolYield.WithLabelValues(token).Set(yield.InexactFloat64())
}
