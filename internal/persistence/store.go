package persistence

import (
	"context"
	"time"

	"PoolLedger/internal/state"

	"github.com/google/uuid"
)

// BalanceMutation edits a copy of a balance row. Returning an error aborts
// the mutation and leaves the row and dedup key untouched.
type BalanceMutation func(b *state.ProviderBalance) error

// Store is the shared transactional store. Each method is a single-row
// (or single-batch) atomic read-modify-write; cross-row workflows are
// sequences of these calls keyed by dedup keys.
type Store interface {
	// MutateBalance applies fn to the (provider, token) row under a row lock.
	// When dedupKey was already applied it returns the current row with
	// applied=false and does not call fn. A missing row is created empty.
	// The row is validated after fn; an invariant violation rolls back.
	MutateBalance(ctx context.Context, key state.BalanceKey, dedupKey string, fn BalanceMutation) (*state.ProviderBalance, bool, error)
	GetBalance(ctx context.Context, key state.BalanceKey) (*state.ProviderBalance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]*state.ProviderBalance, error)
	ListTokens(ctx context.Context) ([]string, error)

	// InsertAllocations writes every row or none. ErrAlreadyExists when the
	// policy already has allocations.
	InsertAllocations(ctx context.Context, allocs []*state.PolicyAllocation) error
	ListAllocations(ctx context.Context, policyID string) ([]*state.PolicyAllocation, error)
	ListAllocationsByProvider(ctx context.Context, provider string) ([]*state.PolicyAllocation, error)
	UpdateAllocation(ctx context.Context, policyID, provider string, fn func(a *state.PolicyAllocation) error) (*state.PolicyAllocation, error)
	CountActivePolicies(ctx context.Context, token string) (int, error)

	InsertPending(ctx context.Context, tx *state.PendingPoolTransaction) error
	GetPending(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, error)
	UpdatePending(ctx context.Context, id uuid.UUID, fn func(tx *state.PendingPoolTransaction) error) (*state.PendingPoolTransaction, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]*state.PendingPoolTransaction, error)

	// AppendPoolTransaction inserts a log row unless one with the same id
	// exists. Returns false for the duplicate.
	AppendPoolTransaction(ctx context.Context, ptx *state.PoolTransaction) (bool, error)
	ListPoolTransactions(ctx context.Context, filter TxLogFilter) ([]*state.PoolTransaction, error)

	// InsertDistribution returns the existing row and false when the
	// (policy, provider, batch) key is taken.
	InsertDistribution(ctx context.Context, d *state.ProviderPremiumDistribution) (*state.ProviderPremiumDistribution, bool, error)
	UpdateDistribution(ctx context.Context, policyID, provider, batchID string, fn func(d *state.ProviderPremiumDistribution) error) (*state.ProviderPremiumDistribution, error)
	ListDistributions(ctx context.Context, policyID string) ([]*state.ProviderPremiumDistribution, error)
	SumDistributedPremiums(ctx context.Context, token string, since time.Time) (int64, error)

	InsertSettlement(ctx context.Context, rec *state.SettlementRecord) error
	GetSettlement(ctx context.Context, chainTxID string) (*state.SettlementRecord, error)
	UpdateSettlement(ctx context.Context, chainTxID string, fn func(rec *state.SettlementRecord) error) (*state.SettlementRecord, error)

	// AppendMetrics assigns the next version for the token and stores m.
	AppendMetrics(ctx context.Context, m *state.PoolMetrics) (*state.PoolMetrics, error)
	LatestMetrics(ctx context.Context, token string) (*state.PoolMetrics, error)
	ListMetrics(ctx context.Context, token string, limit int) ([]*state.PoolMetrics, error)

	Ping(ctx context.Context) error
}

type BalanceFilter struct {
	Provider string
	Token    string
}

func (f BalanceFilter) match(b *state.ProviderBalance) bool {
	return (f.Provider == "" || f.Provider == b.Provider) && (f.Token == "" || f.Token == b.Token)
}

type PendingFilter struct {
	Provider      string
	Token         string
	Status        state.TxStatus
	UpdatedBefore time.Time
	Limit         int
}

func (f PendingFilter) match(tx *state.PendingPoolTransaction) bool {
	if f.Provider != "" && f.Provider != tx.Provider {
		return false
	}
	if f.Token != "" && f.Token != tx.Token {
		return false
	}
	if f.Status != "" && f.Status != tx.Status {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !tx.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

type TxLogFilter struct {
	Provider string
	Token    string
	Since    time.Time
	Limit    int
}

func (f TxLogFilter) match(ptx *state.PoolTransaction) bool {
	if f.Provider != "" && f.Provider != ptx.Provider {
		return false
	}
	if f.Token != "" && f.Token != ptx.Token {
		return false
	}
	return f.Since.IsZero() || !ptx.CreatedAt.Before(f.Since)
}

const defaultListLimit = 500

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaultListLimit {
		return defaultListLimit
	}
	return limit
}
