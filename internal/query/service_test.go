package query_test

import (
	"context"
	"testing"

	"PoolLedger/internal/core"
	"PoolLedger/internal/pending"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/query"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*query.QueryService, *core.Service, *persistence.MemoryStore) {
	t.Helper()
	store := persistence.NewMemoryStore()
	svc := core.NewService(store, core.Config{ChainContract: "0xpool"}, zerolog.Nop())
	t.Cleanup(svc.Close)
	ctx := context.Background()

	for provider, amount := range map[string]int64{"A": 600, "B": 400} {
		h, err := svc.RequestCapitalCommitment(ctx, provider, "USDC", amount)
		require.NoError(t, err)
		_, err = svc.ReportTransactionOutcome(ctx, pending.Outcome{PendingID: h.Tx.ID, ChainTxID: "0x" + provider, Status: state.TxConfirmed})
		require.NoError(t, err)
	}
	_, err := svc.CreateAllocation(ctx, "p-1", 500, "USDC")
	require.NoError(t, err)
	_, err = svc.DistributePolicyPremium(ctx, "p-1", 50, "USDC")
	require.NoError(t, err)
	return query.NewQueryService(store), svc, store
}

func TestQuery_ProviderSummary(t *testing.T) {
	qs, svc, _ := seeded(t)
	ctx := context.Background()
	_, err := svc.RequestWithdrawal(ctx, "A", "USDC", 10, "0xdest")
	require.NoError(t, err)

	s, err := qs.GetProviderSummary(ctx, "A")
	require.NoError(t, err)
	require.Len(t, s.Balances, 1)
	assert.Equal(t, int64(600), s.Balances[0].TotalDeposited)
	assert.Equal(t, int64(300), s.Balances[0].LockedBalance)
	assert.Equal(t, int64(30), s.Balances[0].WithdrawablePremiums)
	assert.Equal(t, 1, s.ActiveAllocations)
	assert.Equal(t, 1, s.PendingTxCount)

	_, err = qs.GetProviderSummary(ctx, "nobody")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestQuery_Policy(t *testing.T) {
	qs, _, _ := seeded(t)

	p, err := qs.GetPolicy(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), p.TotalCapital)
	assert.Len(t, p.Allocations, 2)
	require.Len(t, p.Distributions, 2)

	var paid int64
	for _, d := range p.Distributions {
		paid += d.PremiumAmount
		assert.Equal(t, string(state.DistributionCompleted), d.Status)
	}
	assert.Equal(t, int64(50), paid)

	_, err = qs.GetPolicy(context.Background(), "missing")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestQuery_TransactionsAndPending(t *testing.T) {
	qs, _, _ := seeded(t)
	ctx := context.Background()

	log, err := qs.ListTransactions(ctx, persistence.TxLogFilter{Provider: "B"})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "DEPOSIT", log[0].TxType)
	assert.Equal(t, "CONFIRMED", log[0].Status)

	confirmed, err := qs.ListPending(ctx, persistence.PendingFilter{Status: state.TxConfirmed})
	require.NoError(t, err)
	assert.Len(t, confirmed, 2)

	one, err := qs.GetPending(ctx, uuid.MustParse(log[0].PendingID))
	require.NoError(t, err)
	assert.Equal(t, "B", one.Provider)
}

func TestQuery_Metrics(t *testing.T) {
	qs, svc, _ := seeded(t)
	ctx := context.Background()
	svc.Refresher().Wait()
	_, err := svc.RefreshPoolMetrics(ctx, "USDC")
	require.NoError(t, err)

	latest, err := qs.GetPoolMetrics(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), latest.TotalLiquidity)
	assert.Equal(t, "0.5", latest.UtilizationRate.String())

	hist, err := qs.ListPoolMetrics(ctx, "USDC", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, latest.Version, hist[0].Version)
}

func TestQuery_VerifyIntegrity(t *testing.T) {
	qs, _, store := seeded(t)
	ctx := context.Background()

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, 2, report.RowsChecked)

	// Lock capital outside any allocation.
	_, _, err = store.MutateBalance(ctx, state.BalanceKey{Provider: "B", Token: "USDC"}, "stray-lock", func(b *state.ProviderBalance) error {
		b.AvailableBalance -= 5
		b.LockedBalance += 5
		return nil
	})
	require.NoError(t, err)

	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	require.Len(t, report.LockMismatches, 1)
	assert.Equal(t, query.LockMismatch{Provider: "B", Token: "USDC", Locked: 205, Allocations: 200}, report.LockMismatches[0])
}
