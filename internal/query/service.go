package query

import (
	"context"
	"fmt"
	"sort"

	"PoolLedger/internal/persistence"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
)

// Reader is the read side of the store.
type Reader interface {
	GetBalance(ctx context.Context, key state.BalanceKey) (*state.ProviderBalance, error)
	ListBalances(ctx context.Context, filter persistence.BalanceFilter) ([]*state.ProviderBalance, error)
	ListAllocations(ctx context.Context, policyID string) ([]*state.PolicyAllocation, error)
	ListAllocationsByProvider(ctx context.Context, provider string) ([]*state.PolicyAllocation, error)
	GetPending(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, error)
	ListPending(ctx context.Context, filter persistence.PendingFilter) ([]*state.PendingPoolTransaction, error)
	ListPoolTransactions(ctx context.Context, filter persistence.TxLogFilter) ([]*state.PoolTransaction, error)
	ListDistributions(ctx context.Context, policyID string) ([]*state.ProviderPremiumDistribution, error)
	GetSettlement(ctx context.Context, chainTxID string) (*state.SettlementRecord, error)
	LatestMetrics(ctx context.Context, token string) (*state.PoolMetrics, error)
	ListMetrics(ctx context.Context, token string, limit int) ([]*state.PoolMetrics, error)
}

// QueryService provides read-only views over the ledger store. Nothing here
// takes row locks; a view may trail a mutation that is in flight.
type QueryService struct {
	store Reader
}

func NewQueryService(store Reader) *QueryService {
	return &QueryService{store: store}
}

// GetBalance returns one provider position.
func (qs *QueryService) GetBalance(ctx context.Context, provider, token string) (*BalanceResponse, error) {
	b, err := qs.store.GetBalance(ctx, state.BalanceKey{Provider: provider, Token: token})
	if err != nil {
		return nil, err
	}
	resp := toBalance(b)
	return &resp, nil
}

// GetProviderSummary returns every token position of a provider plus counts
// of its active allocations and open transactions.
func (qs *QueryService) GetProviderSummary(ctx context.Context, provider string) (*ProviderSummary, error) {
	if provider == "" {
		return nil, fmt.Errorf("%w: provider is required", state.ErrInvalidArgument)
	}
	rows, err := qs.store.ListBalances(ctx, persistence.BalanceFilter{Provider: provider})
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: provider %s", state.ErrNotFound, provider)
	}

	summary := &ProviderSummary{Provider: provider, Balances: make([]BalanceResponse, 0, len(rows))}
	for _, b := range rows {
		summary.Balances = append(summary.Balances, toBalance(b))
	}

	allocs, err := qs.store.ListAllocationsByProvider(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	for _, a := range allocs {
		if a.Status == state.AllocationActive {
			summary.ActiveAllocations++
		}
	}

	for _, status := range []state.TxStatus{state.TxPending, state.TxSubmitted} {
		txs, err := qs.store.ListPending(ctx, persistence.PendingFilter{Provider: provider, Status: status})
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		summary.PendingTxCount += len(txs)
	}
	return summary, nil
}

// GetPolicy returns a policy's allocations and premium distributions.
func (qs *QueryService) GetPolicy(ctx context.Context, policyID string) (*PolicyResponse, error) {
	allocs, err := qs.store.ListAllocations(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	if len(allocs) == 0 {
		return nil, fmt.Errorf("%w: policy %s", state.ErrNotFound, policyID)
	}
	dists, err := qs.store.ListDistributions(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}

	resp := &PolicyResponse{
		PolicyID:      policyID,
		Token:         allocs[0].Token,
		Allocations:   make([]AllocationResponse, 0, len(allocs)),
		Distributions: make([]DistributionResponse, 0, len(dists)),
	}
	for _, a := range allocs {
		resp.TotalCapital += a.AllocatedAmount
		resp.Allocations = append(resp.Allocations, AllocationResponse{
			PolicyID:             a.PolicyID,
			Provider:             a.Provider,
			Token:                a.Token,
			AllocatedAmount:      a.AllocatedAmount,
			AllocationPercentage: a.AllocationPercentage,
			Status:               string(a.Status),
			PremiumDistributed:   a.PremiumDistributed,
			SettlementTxID:       a.SettlementTxID,
			SettledAmount:        a.SettledAmount,
			CreatedAt:            a.CreatedAt,
		})
	}
	for _, d := range dists {
		resp.Distributions = append(resp.Distributions, DistributionResponse{
			Provider:      d.Provider,
			BatchID:       d.BatchID,
			PremiumAmount: d.PremiumAmount,
			Status:        string(d.Status),
			Error:         d.Error,
			Timestamp:     d.DistributionTimestamp,
		})
	}
	return resp, nil
}

func (qs *QueryService) GetPending(ctx context.Context, id uuid.UUID) (*PendingResponse, error) {
	tx, err := qs.store.GetPending(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := PendingView(tx)
	return &resp, nil
}

// ListPending lists pending transactions, newest first.
func (qs *QueryService) ListPending(ctx context.Context, filter persistence.PendingFilter) ([]PendingResponse, error) {
	txs, err := qs.store.ListPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	out := make([]PendingResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, PendingView(tx))
	}
	return out, nil
}

// ListTransactions returns the provider's finalized transaction log.
func (qs *QueryService) ListTransactions(ctx context.Context, filter persistence.TxLogFilter) ([]TransactionResponse, error) {
	rows, err := qs.store.ListPoolTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]TransactionResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, TransactionResponse{
			ID:          r.ID,
			PendingID:   r.PendingID.String(),
			Provider:    r.Provider,
			Token:       r.Token,
			TxType:      string(r.TxType),
			Amount:      r.Amount,
			Status:      string(r.Status),
			ChainTxID:   r.ChainTxID,
			BlockHeight: r.BlockHeight,
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

func (qs *QueryService) GetSettlement(ctx context.Context, chainTxID string) (*SettlementResponse, error) {
	rec, err := qs.store.GetSettlement(ctx, chainTxID)
	if err != nil {
		return nil, err
	}
	resp := &SettlementResponse{
		ChainTxID:       rec.ChainTxID,
		PolicyID:        rec.PolicyID,
		Token:           rec.Token,
		Amount:          rec.Amount,
		BlockHeight:     rec.BlockHeight,
		Recipient:       rec.Recipient,
		Status:          string(rec.Status),
		Contributions:   make([]ContributionResponse, 0, len(rec.Contributions)),
		FailedProviders: rec.FailedProviders,
		UpdatedAt:       rec.UpdatedAt,
	}
	for _, c := range rec.Contributions {
		resp.Contributions = append(resp.Contributions, ContributionResponse{Provider: c.Provider, Amount: c.Amount})
	}
	return resp, nil
}

// GetPoolMetrics returns the latest snapshot for a token.
func (qs *QueryService) GetPoolMetrics(ctx context.Context, token string) (*PoolMetricsResponse, error) {
	m, err := qs.store.LatestMetrics(ctx, token)
	if err != nil {
		return nil, err
	}
	resp := toMetrics(m)
	return &resp, nil
}

// ListPoolMetrics returns up to limit snapshots for a token, newest first.
func (qs *QueryService) ListPoolMetrics(ctx context.Context, token string, limit int) ([]PoolMetricsResponse, error) {
	rows, err := qs.store.ListMetrics(ctx, token, limit)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	out := make([]PoolMetricsResponse, 0, len(rows))
	for _, m := range rows {
		out = append(out, toMetrics(m))
	}
	return out, nil
}

// VerifyIntegrity checks every balance row against its invariants and
// compares each locked balance with the sum of the provider's ACTIVE
// allocations in that token.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	rows, err := qs.store.ListBalances(ctx, persistence.BalanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	report := &IntegrityReport{RowsChecked: len(rows)}
	locked := make(map[string]map[string]int64)
	for _, b := range rows {
		if err := b.Validate(); err != nil {
			report.RowViolations = append(report.RowViolations, err.Error())
		}
		if _, ok := locked[b.Provider]; ok {
			continue
		}
		allocs, err := qs.store.ListAllocationsByProvider(ctx, b.Provider)
		if err != nil {
			return nil, fmt.Errorf("list allocations for %s: %w", b.Provider, err)
		}
		byToken := make(map[string]int64)
		for _, a := range allocs {
			if a.Status == state.AllocationActive {
				byToken[a.Token] += a.AllocatedAmount
			}
		}
		locked[b.Provider] = byToken
	}
	for _, b := range rows {
		if sum := locked[b.Provider][b.Token]; sum != b.LockedBalance {
			report.LockMismatches = append(report.LockMismatches, LockMismatch{
				Provider: b.Provider, Token: b.Token, Locked: b.LockedBalance, Allocations: sum,
			})
		}
	}
	report.IsHealthy = len(report.RowViolations) == 0 && len(report.LockMismatches) == 0
	return report, nil
}

func toBalance(b *state.ProviderBalance) BalanceResponse {
	return BalanceResponse{
		Provider:             b.Provider,
		Token:                b.Token,
		TotalDeposited:       b.TotalDeposited,
		AvailableBalance:     b.AvailableBalance,
		LockedBalance:        b.LockedBalance,
		EarnedPremiums:       b.EarnedPremiums,
		WithdrawnPremiums:    b.WithdrawnPremiums,
		PendingPremiums:      b.PendingPremiums,
		WithdrawablePremiums: b.WithdrawablePremiums(),
		LastUpdated:          b.LastUpdated,
	}
}

// PendingView converts a pending transaction to its API form.
func PendingView(tx *state.PendingPoolTransaction) PendingResponse {
	return PendingResponse{
		ID:                 tx.ID.String(),
		Provider:           tx.Provider,
		Token:              tx.Token,
		TxType:             string(tx.TxType),
		Amount:             tx.Amount,
		Status:             string(tx.Status),
		ChainTxID:          tx.ChainTxID,
		BlockHeight:        tx.BlockHeight,
		RetryCount:         tx.RetryCount,
		Error:              tx.Error,
		ManualIntervention: tx.ManualIntervention,
		CreatedAt:          tx.CreatedAt,
		UpdatedAt:          tx.UpdatedAt,
		SubmittedAt:        tx.SubmittedAt,
	}
}

func toMetrics(m *state.PoolMetrics) PoolMetricsResponse {
	return PoolMetricsResponse{
		Token:              m.Token,
		Version:            m.Version,
		Timestamp:          m.Timestamp,
		TotalLiquidity:     m.TotalLiquidity,
		AvailableLiquidity: m.AvailableLiquidity,
		LockedLiquidity:    m.LockedLiquidity,
		TotalProviders:     m.TotalProviders,
		ActivePolicies:     m.ActivePolicies,
		UtilizationRate:    m.UtilizationRate,
		AnnualizedYield:    m.AnnualizedYield,
	}
}
