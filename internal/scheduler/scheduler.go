// Package scheduler runs the ledger's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"PoolLedger/internal/observability"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Maintenance is what the periodic jobs call on the ledger service.
type Maintenance interface {
	ExpireStalePending(ctx context.Context) (int, error)
	RefreshAllPoolMetrics(ctx context.Context) (int, error)
	CheckInvariants(ctx context.Context) error
}

// Config holds cron specs with an optional seconds field. An empty spec
// disables the job.
type Config struct {
	ExpireSpec  string        `yaml:"expire_spec"`
	MetricsSpec string        `yaml:"metrics_spec"`
	AuditSpec   string        `yaml:"audit_spec"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ExpireSpec:  "0 * * * * *",
		MetricsSpec: "*/30 * * * * *",
		AuditSpec:   "0 */5 * * * *",
		JobTimeout:  25 * time.Second,
	}
}

const (
	JobExpirePending  = "expire_pending"
	JobRefreshMetrics = "refresh_metrics"
	JobAuditBalances  = "audit_balances"
)

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int, error)
}

// Scheduler wraps a cron instance. Overlapping runs of the same job are
// skipped and panics are recovered.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]job
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(m Maintenance, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	clog := cronLogger{logger: logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		jobs:    make(map[string]job),
		timeout: cfg.JobTimeout,
		metrics: metrics,
		logger:  logger,
	}

	all := []job{
		{name: JobExpirePending, spec: cfg.ExpireSpec, run: m.ExpireStalePending},
		{name: JobRefreshMetrics, spec: cfg.MetricsSpec, run: m.RefreshAllPoolMetrics},
		{name: JobAuditBalances, spec: cfg.AuditSpec, run: func(ctx context.Context) (int, error) {
			return 0, m.CheckInvariants(ctx)
		}},
	}
	for _, j := range all {
		s.jobs[j.name] = j
		if j.spec == "" {
			continue
		}
		name := j.name
		if _, err := s.cron.AddFunc(j.spec, func() { s.Run(context.Background(), name) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// Run executes one job immediately, bounded by the job timeout.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.run(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Error().Err(err).Str("job", name).Msg("scheduled job failed")
	} else if n > 0 {
		s.logger.Info().Str("job", name).Int("affected", n).Dur("took", time.Since(start)).Msg("scheduled job done")
	}
	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues(name, result).Inc()
	}
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("entries", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
