package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/allocation"
	"PoolLedger/internal/chain"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pending"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/poolmetrics"
	"PoolLedger/internal/premium"
	"PoolLedger/internal/settlement"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	ChainContract  string        `yaml:"chain_contract"`
	CallDeadline   time.Duration `yaml:"call_deadline"`
	MaxRetries     int           `yaml:"max_retries"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	DedupCapacity  int           `yaml:"dedup_capacity"`
	MetricsWorkers int           `yaml:"metrics_workers"`
	MetricsQueue   int           `yaml:"metrics_queue"`
}

func DefaultConfig() Config {
	return Config{
		CallDeadline:   10 * time.Minute,
		MaxRetries:     3,
		PendingTimeout: 15 * time.Minute,
		DedupCapacity:  100_000,
		MetricsWorkers: 2,
		MetricsQueue:   64,
	}
}

// Service is the inbound surface of the pool ledger. It wires the
// components over one store and adds the follow-ups every mutation shares:
// status push, outbound events and a fire-and-forget metrics refresh.
type Service struct {
	cfg         Config
	store       persistence.Store
	ledger      *ledger.ProviderLedger
	validator   *ledger.InvariantValidator
	allocator   *allocation.Allocator
	tracker     *pending.Tracker
	reconciler  *settlement.Reconciler
	distributor *premium.Distributor
	aggregator  *poolmetrics.Aggregator
	refresher   *MetricsRefresher
	dedup       *OutcomeDeduper

	events   EventSink
	notifier StatusNotifier
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

type Option func(*Service)

func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

func WithNotifier(n StatusNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store persistence.Store, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.CallDeadline <= 0 {
		cfg.CallDeadline = min(def.CallDeadline, cfg.PendingTimeout)
	}
	if cfg.CallDeadline > cfg.PendingTimeout {
		logger.Warn().
			Dur("call_deadline", cfg.CallDeadline).
			Dur("pending_timeout", cfg.PendingTimeout).
			Msg("call deadline exceeds pending timeout, clamping")
		cfg.CallDeadline = cfg.PendingTimeout
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		events:   nopSink{},
		notifier: nopNotifier{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ledger = ledger.NewProviderLedger(store, observability.Component(logger, "ledger"))
	s.validator = ledger.NewInvariantValidator(store)
	s.allocator = allocation.NewAllocator(s.ledger, store, observability.Component(logger, "allocator"))
	s.tracker = pending.NewTracker(store, s.ledger, chain.NewBuilder(cfg.ChainContract), pending.Config{
		MaxRetries:   cfg.MaxRetries,
		CallDeadline: cfg.CallDeadline,
	}, observability.Component(logger, "pending"))
	s.reconciler = settlement.NewReconciler(s.ledger, store, observability.Component(logger, "settlement"))
	s.distributor = premium.NewDistributor(s.ledger, store, observability.Component(logger, "premium"))
	s.aggregator = poolmetrics.NewAggregator(store, observability.Component(logger, "poolmetrics"))
	s.dedup = NewOutcomeDeduper(cfg.DedupCapacity, s.metrics)
	s.refresher = NewMetricsRefresher(s.RefreshPoolMetrics, cfg.MetricsWorkers, cfg.MetricsQueue, s.metrics,
		observability.Component(logger, "refresher"))
	return s
}

// WithClock pins every component's clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.ledger.WithClock(now)
	s.allocator.WithClock(now)
	s.tracker.WithClock(now)
	s.reconciler.WithClock(now)
	s.distributor.WithClock(now)
	s.aggregator.WithClock(now)
	return s
}

// WarmDedup preloads recently confirmed transactions into the outcome cache.
func (s *Service) WarmDedup(ctx context.Context) error {
	txs, err := s.store.ListPending(ctx, persistence.PendingFilter{Status: state.TxConfirmed})
	if err != nil {
		return fmt.Errorf("load confirmed transactions: %w", err)
	}
	s.dedup.Warm(txs)
	s.logger.Info().Int("keys", len(txs)).Msg("outcome dedup cache warmed")
	return nil
}

func (s *Service) Close() {
	s.refresher.Stop()
}

// Refresher exposes the async metrics refresher, e.g. for tests to wait on.
func (s *Service) Refresher() *MetricsRefresher {
	return s.refresher
}

// --- Allocation ---

func (s *Service) CreateAllocation(ctx context.Context, policyID string, required int64, token string) (res *allocation.Result, err error) {
	defer s.observe("create_allocation", time.Now(), &err)

	res, err = s.allocator.CreateAllocation(ctx, policyID, required, token)
	if err != nil {
		return nil, err
	}
	if !res.Existing {
		if s.metrics != nil {
			s.metrics.AllocationsCreated.WithLabelValues(token).Inc()
			s.metrics.CapitalLocked.WithLabelValues(token).Add(float64(required))
		}
		s.publish(ctx, EventAllocationCreated, "allocation:"+policyID, res)
		s.refresher.Schedule(token)
	}
	return res, nil
}

// ReleasePolicy ends a policy without a claim and returns its capital.
func (s *Service) ReleasePolicy(ctx context.Context, policyID string, status state.AllocationStatus) (released []*state.PolicyAllocation, err error) {
	defer s.observe("release_policy", time.Now(), &err)

	released, err = s.allocator.ReleasePolicy(ctx, policyID, status)
	if len(released) > 0 {
		if s.metrics != nil {
			s.metrics.AllocationsReleased.WithLabelValues(string(status)).Add(float64(len(released)))
		}
		s.publish(ctx, EventAllocationReleased, fmt.Sprintf("release:%s:%s", policyID, status), released)
		s.refresher.Schedule(released[0].Token)
	}
	return released, err
}

// --- Pending transactions ---

// TxHandle is a new or retried pending transaction and the call the
// caller must broadcast.
type TxHandle struct {
	Tx   *state.PendingPoolTransaction
	Call *chain.CallDescriptor
}

func (s *Service) RequestCapitalCommitment(ctx context.Context, provider, token string, amount int64) (*TxHandle, error) {
	return s.request(ctx, "request_capital_commitment", pending.Request{
		Provider: provider, Token: token, TxType: state.TxDeposit, Amount: amount,
	})
}

func (s *Service) RequestWithdrawal(ctx context.Context, provider, token string, amount int64, recipient string) (*TxHandle, error) {
	return s.request(ctx, "request_withdrawal", pending.Request{
		Provider: provider, Token: token, TxType: state.TxWithdrawal, Amount: amount, Recipient: recipient,
	})
}

func (s *Service) RequestPremiumWithdrawal(ctx context.Context, provider, token string, amount int64, recipient string) (*TxHandle, error) {
	return s.request(ctx, "request_premium_withdrawal", pending.Request{
		Provider: provider, Token: token, TxType: state.TxPremiumWithdrawal, Amount: amount, Recipient: recipient,
	})
}

func (s *Service) request(ctx context.Context, op string, req pending.Request) (h *TxHandle, err error) {
	defer s.observe(op, time.Now(), &err)

	tx, call, err := s.tracker.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, tx, EventTransactionPending)
	if tx.TxType != state.TxDeposit {
		s.refresher.Schedule(tx.Token)
	}
	return &TxHandle{Tx: tx, Call: call}, nil
}

func (s *Service) SubmitTransaction(ctx context.Context, id uuid.UUID, chainTxID string) (tx *state.PendingPoolTransaction, err error) {
	defer s.observe("submit_transaction", time.Now(), &err)

	if tx, err = s.tracker.MarkSubmitted(ctx, id, chainTxID); err != nil {
		return nil, err
	}
	s.afterTransition(ctx, tx, EventTransactionSubmitted)
	return tx, nil
}

// ReportTransactionOutcome applies a chain outcome to a pending transaction.
// Redelivered outcomes are answered as duplicates without side effects,
// unless the redelivery is what completed an interrupted finalization.
func (s *Service) ReportTransactionOutcome(ctx context.Context, o pending.Outcome) (res *pending.Result, err error) {
	defer s.observe("report_outcome", time.Now(), &err)

	if s.dedup.Seen(o.PendingID, o.Status, o.ChainTxID) {
		tx, err := s.tracker.Get(ctx, o.PendingID)
		if err != nil {
			return nil, err
		}
		return &pending.Result{Tx: tx, Duplicate: true}, nil
	}

	res, err = s.tracker.ApplyOutcome(ctx, o)
	if err != nil {
		return nil, err
	}
	s.dedup.MarkFinalized(res.Tx)
	if res.Duplicate && !res.Finalized {
		if s.metrics != nil {
			s.metrics.OutcomeDuplicates.WithLabelValues("store").Inc()
		}
		return res, nil
	}
	s.afterTransition(ctx, res.Tx, EventTransactionFinalized)
	s.refresher.Schedule(res.Tx.Token)
	return res, nil
}

func (s *Service) RetryTransaction(ctx context.Context, id uuid.UUID) (h *TxHandle, err error) {
	defer s.observe("retry_transaction", time.Now(), &err)

	tx, call, err := s.tracker.Retry(ctx, id)
	if errors.Is(err, state.ErrRetryLimitExceeded) {
		if s.metrics != nil {
			s.metrics.RetryLimitReached.Inc()
		}
		if frozen, getErr := s.tracker.Get(ctx, id); getErr == nil {
			s.notify(ctx, frozen)
		}
	}
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, tx, EventTransactionPending)
	s.refresher.Schedule(tx.Token)
	return &TxHandle{Tx: tx, Call: call}, nil
}

// ExpireStalePending fails PENDING transactions older than the configured
// timeout and releases their reservations.
func (s *Service) ExpireStalePending(ctx context.Context) (n int, err error) {
	defer s.observe("expire_stale_pending", time.Now(), &err)

	n, err = s.tracker.ExpireStale(ctx, s.cfg.PendingTimeout)
	if n > 0 && s.metrics != nil {
		s.metrics.PendingExpired.Add(float64(n))
	}
	return n, err
}

func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, error) {
	return s.tracker.Get(ctx, id)
}

// --- Settlement & premium ---

func (s *Service) ProcessClaimSettlement(ctx context.Context, claim settlement.Claim) (res *settlement.Result, err error) {
	defer s.observe("process_claim_settlement", time.Now(), &err)

	res, err = s.reconciler.ProcessClaimSettlement(ctx, claim)
	if res != nil && !res.Duplicate {
		if s.metrics != nil {
			s.metrics.SettlementsApplied.WithLabelValues(string(res.Record.Status)).Inc()
			if res.Record.Status == state.SettlementSettled {
				s.metrics.CapitalSettled.WithLabelValues(res.Record.Token).Add(float64(res.Record.Amount))
			}
		}
		s.publish(ctx, EventSettlementApplied, fmt.Sprintf("settlement:%s:%s", res.Record.ChainTxID, res.Record.Status), res.Record)
		s.refresher.Schedule(res.Record.Token)
	}
	return res, err
}

func (s *Service) DistributePolicyPremium(ctx context.Context, policyID string, amount int64, token string) (res *premium.Result, err error) {
	defer s.observe("distribute_policy_premium", time.Now(), &err)

	res, err = s.distributor.DistributePolicyPremium(ctx, policyID, amount, token)
	if res != nil && len(res.Distributions) > 0 {
		if s.metrics != nil {
			s.metrics.PremiumCredited.WithLabelValues(token).Add(float64(res.Credited))
		}
		s.publish(ctx, EventPremiumDistributed, fmt.Sprintf("premium:%s:%d", res.BatchID, len(res.Distributions)), res)
		s.refresher.Schedule(token)
	}
	return res, err
}

// --- Metrics & audit ---

// RefreshPoolMetrics appends a snapshot for token synchronously.
func (s *Service) RefreshPoolMetrics(ctx context.Context, token string) (*state.PoolMetrics, error) {
	m, err := s.aggregator.Refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SetPoolGauges(m.Token, m.TotalLiquidity, m.AvailableLiquidity, m.LockedLiquidity, m.UtilizationRate, m.AnnualizedYield)
	}
	s.publish(ctx, EventMetricsSnapshot, fmt.Sprintf("metrics:%s:%d", m.Token, m.Version), m)
	return m, nil
}

// RefreshAllPoolMetrics snapshots every token.
func (s *Service) RefreshAllPoolMetrics(ctx context.Context) (int, error) {
	tokens, err := s.store.ListTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, token := range tokens {
		if _, err := s.RefreshPoolMetrics(ctx, token); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// CheckInvariants audits every stored balance row.
func (s *Service) CheckInvariants(ctx context.Context) error {
	return s.validator.ValidateAll(ctx)
}

// --- follow-ups ---

func (s *Service) afterTransition(ctx context.Context, tx *state.PendingPoolTransaction, evt EventType) {
	if s.metrics != nil {
		s.metrics.PendingTransitions.WithLabelValues(string(tx.TxType), string(tx.Status)).Inc()
	}
	s.notify(ctx, tx)
	s.publish(ctx, evt, fmt.Sprintf("tx:%s:%d:%s", tx.ID, tx.RetryCount, tx.Status), tx)
}

func (s *Service) notify(ctx context.Context, tx *state.PendingPoolTransaction) {
	if err := s.notifier.NotifyTransaction(ctx, tx); err != nil {
		s.logger.Warn().Err(err).Str("pending_id", tx.ID.String()).Msg("status notification failed")
		if s.metrics != nil {
			s.metrics.NotifyErrors.Inc()
		}
	}
}

func (s *Service) publish(ctx context.Context, typ EventType, id string, data any) {
	evt := Event{Type: typ, ID: id, Timestamp: time.Now().UTC(), Data: data}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(typ)).Str("event_id", id).Msg("event publish failed")
		if s.metrics != nil {
			s.metrics.PublishErrors.WithLabelValues(string(typ)).Inc()
		}
	}
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if *errp != nil {
		result = errorReason(*errp)
	}
	s.metrics.OperationsTotal.WithLabelValues(op, result).Inc()
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, state.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, state.ErrNotFound):
		return "not_found"
	case errors.Is(err, state.ErrInsufficientBalance), errors.Is(err, state.ErrInsufficientPoolLiquidity):
		return "insufficient"
	case errors.Is(err, state.ErrInvalidStatusTransition), errors.Is(err, state.ErrAlreadyExists):
		return "conflict"
	case errors.Is(err, state.ErrSettlementVerificationFailed):
		return "verification_failed"
	case errors.Is(err, state.ErrRetryLimitExceeded):
		return "retry_limit"
	case errors.Is(err, state.ErrNoUndistributedAllocations):
		return "noop"
	case errors.Is(err, state.ErrNoActiveAllocations):
		return "no_active"
	case errors.Is(err, state.ErrSettlementIncomplete):
		return "incomplete"
	}
	return "error"
}
