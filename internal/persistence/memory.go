package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore is an in-process Store. Row atomicity comes from
// xsync.Map.Compute, which serializes writers of the same key. Allocations
// are grouped per policy so a policy's batch insert is one Compute.
type MemoryStore struct {
	balances      *xsync.Map[state.BalanceKey, *state.ProviderBalance]
	dedup         *xsync.Map[string, time.Time]
	allocations   *xsync.Map[string, []*state.PolicyAllocation]
	pending       *xsync.Map[uuid.UUID, *state.PendingPoolTransaction]
	poolTxs       *xsync.Map[string, *state.PoolTransaction]
	distributions *xsync.Map[string, *state.ProviderPremiumDistribution]
	settlements   *xsync.Map[string, *state.SettlementRecord]
	metrics       *xsync.Map[string, []*state.PoolMetrics]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:      xsync.NewMap[state.BalanceKey, *state.ProviderBalance](),
		dedup:         xsync.NewMap[string, time.Time](),
		allocations:   xsync.NewMap[string, []*state.PolicyAllocation](),
		pending:       xsync.NewMap[uuid.UUID, *state.PendingPoolTransaction](),
		poolTxs:       xsync.NewMap[string, *state.PoolTransaction](),
		distributions: xsync.NewMap[string, *state.ProviderPremiumDistribution](),
		settlements:   xsync.NewMap[string, *state.SettlementRecord](),
		metrics:       xsync.NewMap[string, []*state.PoolMetrics](),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- Balances ---

func (s *MemoryStore) MutateBalance(ctx context.Context, key state.BalanceKey, dedupKey string, fn BalanceMutation) (*state.ProviderBalance, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		result  *state.ProviderBalance
		applied bool
		fnErr   error
	)
	s.balances.Compute(key, func(old *state.ProviderBalance, loaded bool) (*state.ProviderBalance, xsync.ComputeOp) {
		if dedupKey != "" {
			if _, seen := s.dedup.Load(dedupKey); seen {
				if loaded {
					result = old.Clone()
				}
				return old, xsync.CancelOp
			}
		}

		next := state.NewProviderBalance(key)
		if loaded {
			next = old.Clone()
		}
		if err := fn(next); err != nil {
			fnErr = err
			return old, xsync.CancelOp
		}
		if err := next.Validate(); err != nil {
			fnErr = err
			return old, xsync.CancelOp
		}
		if dedupKey != "" {
			s.dedup.Store(dedupKey, time.Now())
		}
		result = next.Clone()
		applied = true
		return next, xsync.UpdateOp
	})
	if fnErr != nil {
		return nil, false, fnErr
	}
	if result == nil {
		// Deduplicated against a row that no longer exists; rows are never deleted.
		return nil, false, fmt.Errorf("balance %s: %w", key, state.ErrNotFound)
	}
	return result, applied, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, key state.BalanceKey) (*state.ProviderBalance, error) {
	b, ok := s.balances.Load(key)
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", key, state.ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ListBalances(ctx context.Context, filter BalanceFilter) ([]*state.ProviderBalance, error) {
	var out []*state.ProviderBalance
	s.balances.Range(func(_ state.BalanceKey, b *state.ProviderBalance) bool {
		if filter.match(b) {
			out = append(out, b.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

func (s *MemoryStore) ListTokens(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	s.balances.Range(func(k state.BalanceKey, _ *state.ProviderBalance) bool {
		seen[k.Token] = struct{}{}
		return true
	})
	tokens := make([]string, 0, len(seen))
	for t := range seen {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens, nil
}

// --- Allocations ---

func (s *MemoryStore) InsertAllocations(ctx context.Context, allocs []*state.PolicyAllocation) error {
	if len(allocs) == 0 {
		return fmt.Errorf("%w: empty allocation batch", state.ErrInvalidArgument)
	}
	policyID := allocs[0].PolicyID
	seen := make(map[string]bool, len(allocs))
	rows := make([]*state.PolicyAllocation, 0, len(allocs))
	for _, a := range allocs {
		if a.PolicyID != policyID {
			return fmt.Errorf("%w: allocation batch spans policies %s and %s", state.ErrInvalidArgument, policyID, a.PolicyID)
		}
		if seen[a.Provider] {
			return fmt.Errorf("%w: duplicate provider %s in allocation batch", state.ErrInvalidArgument, a.Provider)
		}
		seen[a.Provider] = true
		rows = append(rows, a.Clone())
	}

	var exists bool
	s.allocations.Compute(policyID, func(old []*state.PolicyAllocation, loaded bool) ([]*state.PolicyAllocation, xsync.ComputeOp) {
		if loaded && len(old) > 0 {
			exists = true
			return old, xsync.CancelOp
		}
		return rows, xsync.UpdateOp
	})
	if exists {
		return fmt.Errorf("allocations for policy %s: %w", policyID, state.ErrAlreadyExists)
	}
	return nil
}

func (s *MemoryStore) ListAllocations(ctx context.Context, policyID string) ([]*state.PolicyAllocation, error) {
	rows, _ := s.allocations.Load(policyID)
	return cloneAllocations(rows), nil
}

func (s *MemoryStore) ListAllocationsByProvider(ctx context.Context, provider string) ([]*state.PolicyAllocation, error) {
	var out []*state.PolicyAllocation
	s.allocations.Range(func(_ string, rows []*state.PolicyAllocation) bool {
		for _, a := range rows {
			if a.Provider == provider {
				out = append(out, a.Clone())
			}
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	return out, nil
}

func (s *MemoryStore) UpdateAllocation(ctx context.Context, policyID, provider string, fn func(a *state.PolicyAllocation) error) (*state.PolicyAllocation, error) {
	var (
		result *state.PolicyAllocation
		opErr  error
	)
	s.allocations.Compute(policyID, func(old []*state.PolicyAllocation, loaded bool) ([]*state.PolicyAllocation, xsync.ComputeOp) {
		for i, a := range old {
			if a.Provider != provider {
				continue
			}
			next := a.Clone()
			if err := fn(next); err != nil {
				opErr = err
				return old, xsync.CancelOp
			}
			rows := cloneAllocations(old)
			rows[i] = next
			result = next.Clone()
			return rows, xsync.UpdateOp
		}
		opErr = fmt.Errorf("allocation %s/%s: %w", policyID, provider, state.ErrNotFound)
		return old, xsync.CancelOp
	})
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

func (s *MemoryStore) CountActivePolicies(ctx context.Context, token string) (int, error) {
	count := 0
	s.allocations.Range(func(_ string, rows []*state.PolicyAllocation) bool {
		for _, a := range rows {
			if a.Token == token && a.Status == state.AllocationActive {
				count++
				break
			}
		}
		return true
	})
	return count, nil
}

func cloneAllocations(rows []*state.PolicyAllocation) []*state.PolicyAllocation {
	out := make([]*state.PolicyAllocation, len(rows))
	for i, a := range rows {
		out[i] = a.Clone()
	}
	return out
}

// --- Pending transactions ---

func (s *MemoryStore) InsertPending(ctx context.Context, tx *state.PendingPoolTransaction) error {
	if _, loaded := s.pending.LoadOrStore(tx.ID, tx.Clone()); loaded {
		return fmt.Errorf("pending transaction %s: %w", tx.ID, state.ErrAlreadyExists)
	}
	return nil
}

func (s *MemoryStore) GetPending(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, error) {
	tx, ok := s.pending.Load(id)
	if !ok {
		return nil, fmt.Errorf("pending transaction %s: %w", id, state.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) UpdatePending(ctx context.Context, id uuid.UUID, fn func(tx *state.PendingPoolTransaction) error) (*state.PendingPoolTransaction, error) {
	var (
		result *state.PendingPoolTransaction
		opErr  error
	)
	s.pending.Compute(id, func(old *state.PendingPoolTransaction, loaded bool) (*state.PendingPoolTransaction, xsync.ComputeOp) {
		if !loaded {
			opErr = fmt.Errorf("pending transaction %s: %w", id, state.ErrNotFound)
			return old, xsync.CancelOp
		}
		next := old.Clone()
		if err := fn(next); err != nil {
			opErr = err
			return old, xsync.CancelOp
		}
		result = next.Clone()
		return next, xsync.UpdateOp
	})
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, filter PendingFilter) ([]*state.PendingPoolTransaction, error) {
	var out []*state.PendingPoolTransaction
	s.pending.Range(func(_ uuid.UUID, tx *state.PendingPoolTransaction) bool {
		if filter.match(tx) {
			out = append(out, tx.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Transaction log ---

func (s *MemoryStore) AppendPoolTransaction(ctx context.Context, ptx *state.PoolTransaction) (bool, error) {
	c := *ptx
	_, loaded := s.poolTxs.LoadOrStore(ptx.ID, &c)
	return !loaded, nil
}

func (s *MemoryStore) ListPoolTransactions(ctx context.Context, filter TxLogFilter) ([]*state.PoolTransaction, error) {
	var out []*state.PoolTransaction
	s.poolTxs.Range(func(_ string, ptx *state.PoolTransaction) bool {
		if filter.match(ptx) {
			c := *ptx
			out = append(out, &c)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Premium distributions ---

func distributionKey(policyID, provider, batchID string) string {
	return policyID + "|" + provider + "|" + batchID
}

func (s *MemoryStore) InsertDistribution(ctx context.Context, d *state.ProviderPremiumDistribution) (*state.ProviderPremiumDistribution, bool, error) {
	existing, loaded := s.distributions.LoadOrStore(distributionKey(d.PolicyID, d.Provider, d.BatchID), d.Clone())
	if loaded {
		return existing.Clone(), false, nil
	}
	return d.Clone(), true, nil
}

func (s *MemoryStore) UpdateDistribution(ctx context.Context, policyID, provider, batchID string, fn func(d *state.ProviderPremiumDistribution) error) (*state.ProviderPremiumDistribution, error) {
	var (
		result *state.ProviderPremiumDistribution
		opErr  error
	)
	s.distributions.Compute(distributionKey(policyID, provider, batchID), func(old *state.ProviderPremiumDistribution, loaded bool) (*state.ProviderPremiumDistribution, xsync.ComputeOp) {
		if !loaded {
			opErr = fmt.Errorf("distribution %s/%s/%s: %w", policyID, provider, batchID, state.ErrNotFound)
			return old, xsync.CancelOp
		}
		next := old.Clone()
		if err := fn(next); err != nil {
			opErr = err
			return old, xsync.CancelOp
		}
		result = next.Clone()
		return next, xsync.UpdateOp
	})
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

func (s *MemoryStore) ListDistributions(ctx context.Context, policyID string) ([]*state.ProviderPremiumDistribution, error) {
	var out []*state.ProviderPremiumDistribution
	s.distributions.Range(func(_ string, d *state.ProviderPremiumDistribution) bool {
		if d.PolicyID == policyID {
			out = append(out, d.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

func (s *MemoryStore) SumDistributedPremiums(ctx context.Context, token string, since time.Time) (int64, error) {
	var total int64
	s.distributions.Range(func(_ string, d *state.ProviderPremiumDistribution) bool {
		if d.Token == token && d.Status == state.DistributionCompleted && !d.DistributionTimestamp.Before(since) {
			total += d.PremiumAmount
		}
		return true
	})
	return total, nil
}

// --- Settlements ---

func (s *MemoryStore) InsertSettlement(ctx context.Context, rec *state.SettlementRecord) error {
	if _, loaded := s.settlements.LoadOrStore(rec.ChainTxID, rec.Clone()); loaded {
		return fmt.Errorf("settlement %s: %w", rec.ChainTxID, state.ErrAlreadyExists)
	}
	return nil
}

func (s *MemoryStore) GetSettlement(ctx context.Context, chainTxID string) (*state.SettlementRecord, error) {
	rec, ok := s.settlements.Load(chainTxID)
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", chainTxID, state.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateSettlement(ctx context.Context, chainTxID string, fn func(rec *state.SettlementRecord) error) (*state.SettlementRecord, error) {
	var (
		result *state.SettlementRecord
		opErr  error
	)
	s.settlements.Compute(chainTxID, func(old *state.SettlementRecord, loaded bool) (*state.SettlementRecord, xsync.ComputeOp) {
		if !loaded {
			opErr = fmt.Errorf("settlement %s: %w", chainTxID, state.ErrNotFound)
			return old, xsync.CancelOp
		}
		next := old.Clone()
		if err := fn(next); err != nil {
			opErr = err
			return old, xsync.CancelOp
		}
		result = next.Clone()
		return next, xsync.UpdateOp
	})
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

// --- Metrics ---

func (s *MemoryStore) AppendMetrics(ctx context.Context, m *state.PoolMetrics) (*state.PoolMetrics, error) {
	var stored state.PoolMetrics
	s.metrics.Compute(m.Token, func(old []*state.PoolMetrics, loaded bool) ([]*state.PoolMetrics, xsync.ComputeOp) {
		stored = *m
		stored.Version = int64(len(old)) + 1
		c := stored
		next := make([]*state.PoolMetrics, len(old), len(old)+1)
		copy(next, old)
		return append(next, &c), xsync.UpdateOp
	})
	return &stored, nil
}

func (s *MemoryStore) LatestMetrics(ctx context.Context, token string) (*state.PoolMetrics, error) {
	rows, _ := s.metrics.Load(token)
	if len(rows) == 0 {
		return nil, fmt.Errorf("metrics for %s: %w", token, state.ErrNotFound)
	}
	c := *rows[len(rows)-1]
	return &c, nil
}

func (s *MemoryStore) ListMetrics(ctx context.Context, token string, limit int) ([]*state.PoolMetrics, error) {
	rows, _ := s.metrics.Load(token)
	limit = clampLimit(limit)
	out := make([]*state.PoolMetrics, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		c := *rows[i]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
