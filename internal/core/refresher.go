package core

import (
	"context"
	"sync/atomic"
	"time"

	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// MetricsRefresher runs pool metrics snapshots on a worker pool after
// ledger mutations. Requests for a token already waiting in the queue are
// coalesced into that run. Failures are logged and counted only.
type MetricsRefresher struct {
	refresh func(ctx context.Context, token string) (*state.PoolMetrics, error)
	pool    pond.Pool
	queued  *xsync.Map[string, struct{}]
	tasks   *xsync.Map[uint64, pond.Task]
	seq     atomic.Uint64
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
	onDone  func(*state.PoolMetrics)
}

func NewMetricsRefresher(
	refresh func(ctx context.Context, token string) (*state.PoolMetrics, error),
	workers, queueSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *MetricsRefresher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &MetricsRefresher{
		refresh: refresh,
		pool:    pond.NewPool(workers, pond.WithQueueSize(queueSize)),
		queued:  xsync.NewMap[string, struct{}](),
		tasks:   xsync.NewMap[uint64, pond.Task](),
		timeout: 10 * time.Second,
		metrics: metrics,
		logger:  logger,
	}
}

// OnSnapshot registers a callback run after each stored snapshot.
func (r *MetricsRefresher) OnSnapshot(fn func(*state.PoolMetrics)) {
	r.onDone = fn
}

// Schedule queues a refresh for token and returns immediately.
func (r *MetricsRefresher) Schedule(token string) {
	if token == "" {
		return
	}
	if r.pool.Stopped() {
		r.skip("stopped")
		return
	}
	if _, loaded := r.queued.LoadOrStore(token, struct{}{}); loaded {
		r.skip("coalesced")
		return
	}
	id := r.seq.Add(1)
	tracked := make(chan struct{})
	task, ok := r.pool.TrySubmit(func() {
		<-tracked
		defer r.tasks.Delete(id)
		r.run(token)
	})
	if !ok {
		r.queued.Delete(token)
		r.skip("queue_full")
		return
	}
	r.tasks.Store(id, task)
	close(tracked)
}

func (r *MetricsRefresher) run(token string) {
	// Mutations after this point schedule another run.
	r.queued.Delete(token)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	m, err := r.refresh(ctx, token)
	if err != nil {
		r.logger.Warn().Err(err).Str("token", token).Msg("pool metrics refresh failed")
		if r.metrics != nil {
			r.metrics.MetricsRefresh.WithLabelValues("error").Inc()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.MetricsRefresh.WithLabelValues("ok").Inc()
	}
	if r.onDone != nil {
		r.onDone(m)
	}
}

func (r *MetricsRefresher) skip(reason string) {
	if r.metrics != nil {
		r.metrics.MetricsRefreshSkipped.WithLabelValues(reason).Inc()
	}
}

// Wait blocks until every refresh scheduled before the call has run.
func (r *MetricsRefresher) Wait() {
	r.tasks.Range(func(_ uint64, task pond.Task) bool {
		task.Wait()
		return true
	})
}

// Stop drains queued refreshes and stops the workers.
func (r *MetricsRefresher) Stop() {
	r.pool.StopAndWait()
}
