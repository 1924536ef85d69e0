package poolmetrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/math"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/state"

	"github.com/rs/zerolog"
)

// YieldWindowDays is the trailing window over which distributed premiums
// are annualized.
const YieldWindowDays = 30

type Store interface {
	ListBalances(ctx context.Context, filter persistence.BalanceFilter) ([]*state.ProviderBalance, error)
	ListTokens(ctx context.Context) ([]string, error)
	CountActivePolicies(ctx context.Context, token string) (int, error)
	SumDistributedPremiums(ctx context.Context, token string, since time.Time) (int64, error)
	AppendMetrics(ctx context.Context, m *state.PoolMetrics) (*state.PoolMetrics, error)
}

// Aggregator derives pool-wide figures from the balance rows. Nothing is
// kept incrementally; every snapshot is a fresh summation.
type Aggregator struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewAggregator(store Store, logger zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, now: time.Now, logger: logger}
}

func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Compute builds a snapshot for token without storing it.
func (a *Aggregator) Compute(ctx context.Context, token string) (*state.PoolMetrics, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token required", state.ErrInvalidArgument)
	}
	balances, err := a.store.ListBalances(ctx, persistence.BalanceFilter{Token: token})
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	now := a.now().UTC()
	m := &state.PoolMetrics{Token: token, Timestamp: now}
	totals := make([]int64, 0, len(balances))
	for _, b := range balances {
		totals = append(totals, b.TotalDeposited)
		m.AvailableLiquidity += b.AvailableBalance
		m.LockedLiquidity += b.LockedBalance
		if b.TotalDeposited > 0 {
			m.TotalProviders++
		}
	}
	total, ok := math.SumInt64(totals...)
	if !ok {
		return nil, fmt.Errorf("%w: total liquidity of %s overflows", state.ErrInvariantViolation, token)
	}
	m.TotalLiquidity = total

	if m.ActivePolicies, err = a.store.CountActivePolicies(ctx, token); err != nil {
		return nil, fmt.Errorf("count active policies: %w", err)
	}
	premiums, err := a.store.SumDistributedPremiums(ctx, token, now.AddDate(0, 0, -YieldWindowDays))
	if err != nil {
		return nil, fmt.Errorf("sum distributed premiums: %w", err)
	}

	m.UtilizationRate = math.Ratio(m.LockedLiquidity, m.TotalLiquidity)
	m.AnnualizedYield = math.Annualize(math.Ratio(premiums, m.TotalLiquidity), YieldWindowDays)
	return m, nil
}

// Refresh computes and appends a new snapshot for token.
func (a *Aggregator) Refresh(ctx context.Context, token string) (*state.PoolMetrics, error) {
	m, err := a.Compute(ctx, token)
	if err != nil {
		return nil, err
	}
	stored, err := a.store.AppendMetrics(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("append metrics for %s: %w", token, err)
	}
	a.logger.Debug().
		Str("token", token).
		Int64("version", stored.Version).
		Int64("total", stored.TotalLiquidity).
		Str("utilization", stored.UtilizationRate.String()).
		Msg("pool metrics refreshed")
	return stored, nil
}

// RefreshAll snapshots every token that has balance rows.
func (a *Aggregator) RefreshAll(ctx context.Context) ([]*state.PoolMetrics, error) {
	tokens, err := a.store.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	var (
		out  []*state.PoolMetrics
		errs []error
	)
	for _, token := range tokens {
		m, err := a.Refresh(ctx, token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}
