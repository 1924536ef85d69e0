package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"PoolLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintenance struct {
	expired   atomic.Int32
	refreshed atomic.Int32
	auditErr  error
}

func (f *fakeMaintenance) ExpireStalePending(context.Context) (int, error) {
	f.expired.Add(1)
	return 2, nil
}

func (f *fakeMaintenance) RefreshAllPoolMetrics(context.Context) (int, error) {
	f.refreshed.Add(1)
	return 1, nil
}

func (f *fakeMaintenance) CheckInvariants(context.Context) error {
	return f.auditErr
}

func TestScheduler_RunRecordsResults(t *testing.T) {
	m := &fakeMaintenance{auditErr: errors.New("invariant violation")}
	metrics := observability.NewMetrics(nil)
	s, err := New(m, DefaultConfig(), metrics, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background(), JobExpirePending))
	require.NoError(t, s.Run(context.Background(), JobRefreshMetrics))
	assert.Error(t, s.Run(context.Background(), JobAuditBalances))
	assert.Error(t, s.Run(context.Background(), "nope"))

	assert.Equal(t, int32(1), m.expired.Load())
	assert.Equal(t, int32(1), m.refreshed.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerRuns.WithLabelValues(JobExpirePending, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerRuns.WithLabelValues(JobAuditBalances, "error")))
}

func TestScheduler_RegistersEnabledJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuditSpec = ""
	s, err := New(&fakeMaintenance{}, cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 2)

	// A disabled job can still be run by hand.
	assert.NoError(t, s.Run(context.Background(), JobAuditBalances))
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsSpec = "every now and then"
	_, err := New(&fakeMaintenance{}, cfg, nil, zerolog.Nop())
	assert.Error(t, err)
}
