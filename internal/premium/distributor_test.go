package premium_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"PoolLedger/internal/allocation"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/premium"
	"PoolLedger/internal/state"
	"PoolLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyLedger struct {
	*ledger.ProviderLedger
	fail map[string]bool
}

func (f *flakyLedger) CreditEarnedPremium(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	if f.fail[key.Provider] {
		return nil, errors.New("timeout")
	}
	return f.ProviderLedger.CreditEarnedPremium(ctx, key, amount, dedupKey)
}

type fixture struct {
	store       *persistence.MemoryStore
	ledger      *ledger.ProviderLedger
	flaky       *flakyLedger
	distributor *premium.Distributor
}

func newFixture(t *testing.T, balances map[string]int64, required int64) *fixture {
	t.Helper()
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	l := ledger.NewProviderLedger(store, zerolog.Nop())
	for p, amt := range balances {
		_, err := l.Credit(ctx, state.BalanceKey{Provider: p, Token: "USDC"}, amt, "seed:"+p)
		require.NoError(t, err)
	}
	_, err := allocation.NewAllocator(l, store, zerolog.Nop()).CreateAllocation(ctx, "policy-1", required, "USDC")
	require.NoError(t, err)

	flaky := &flakyLedger{ProviderLedger: l, fail: map[string]bool{}}
	d := premium.NewDistributor(flaky, store, zerolog.Nop()).
		WithClock(testutil.FixedClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	return &fixture{store: store, ledger: l, flaky: flaky, distributor: d}
}

func (f *fixture) earned(t *testing.T, provider string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), state.BalanceKey{Provider: provider, Token: "USDC"})
	require.NoError(t, err)
	return b.EarnedPremiums
}

func TestDistributor_SplitsByShare(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 500, "B": 300, "C": 200}, 700)
	ctx := context.Background()

	res, err := f.distributor.DistributePolicyPremium(ctx, "policy-1", 70, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Credited)
	assert.Len(t, res.Distributions, 3)
	assert.Equal(t, premium.BatchID("policy-1"), res.BatchID)

	assert.Equal(t, int64(35), f.earned(t, "A"))
	assert.Equal(t, int64(21), f.earned(t, "B"))
	assert.Equal(t, int64(14), f.earned(t, "C"))

	allocs, err := f.store.ListAllocations(ctx, "policy-1")
	require.NoError(t, err)
	for _, a := range allocs {
		assert.True(t, a.PremiumDistributed)
	}
	dists, err := f.store.ListDistributions(ctx, "policy-1")
	require.NoError(t, err)
	for _, d := range dists {
		assert.Equal(t, state.DistributionCompleted, d.Status)
	}
}

func TestDistributor_SecondRunReportsNothingLeft(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 100}, 100)
	ctx := context.Background()

	_, err := f.distributor.DistributePolicyPremium(ctx, "policy-1", 10, "USDC")
	require.NoError(t, err)
	_, err = f.distributor.DistributePolicyPremium(ctx, "policy-1", 10, "USDC")
	require.ErrorIs(t, err, state.ErrNoUndistributedAllocations)
	assert.Equal(t, int64(10), f.earned(t, "A"))
}

func TestDistributor_ResumesAfterFailure(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 500, "B": 500}, 1000)
	ctx := context.Background()
	f.flaky.fail["B"] = true

	res, err := f.distributor.DistributePolicyPremium(ctx, "policy-1", 101, "USDC")
	require.Error(t, err)
	assert.Equal(t, int64(51), res.Credited)

	dists, err := f.store.ListDistributions(ctx, "policy-1")
	require.NoError(t, err)
	statuses := map[string]state.DistributionStatus{}
	for _, d := range dists {
		statuses[d.Provider] = d.Status
	}
	assert.Equal(t, state.DistributionFailed, statuses["B"])

	delete(f.flaky.fail, "B")
	res, err = f.distributor.DistributePolicyPremium(ctx, "policy-1", 101, "USDC")
	require.NoError(t, err)
	require.Len(t, res.Distributions, 1)
	assert.Equal(t, "B", res.Distributions[0].Provider)

	assert.Equal(t, int64(51), f.earned(t, "A"))
	assert.Equal(t, int64(50), f.earned(t, "B"))
}

func TestDistributor_SkipsInactiveAllocations(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 500, "B": 500}, 1000)
	ctx := context.Background()
	_, err := f.store.UpdateAllocation(ctx, "policy-1", "B", func(a *state.PolicyAllocation) error {
		a.Status = state.AllocationCancelled
		return nil
	})
	require.NoError(t, err)

	res, err := f.distributor.DistributePolicyPremium(ctx, "policy-1", 40, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(40), f.earned(t, "A"))
	assert.Len(t, res.Distributions, 1)
}

func TestDistributor_PremiumAfterAllAllocationsEnded(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 500, "B": 500}, 1000)
	ctx := context.Background()
	for _, p := range []string{"A", "B"} {
		_, err := f.store.UpdateAllocation(ctx, "policy-1", p, func(a *state.PolicyAllocation) error {
			a.Status = state.AllocationExercised
			return nil
		})
		require.NoError(t, err)
	}

	_, err := f.distributor.DistributePolicyPremium(ctx, "policy-1", 40, "USDC")
	require.ErrorIs(t, err, state.ErrNoActiveAllocations)
	assert.NotErrorIs(t, err, state.ErrNoUndistributedAllocations, "an unpaid premium is not a repeat")
	assert.Zero(t, f.earned(t, "A"))
	assert.Zero(t, f.earned(t, "B"))
}

func TestDistributor_Errors(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 100}, 100)
	ctx := context.Background()

	_, err := f.distributor.DistributePolicyPremium(ctx, "policy-1", 0, "USDC")
	assert.ErrorIs(t, err, state.ErrInvalidArgument)
	_, err = f.distributor.DistributePolicyPremium(ctx, "policy-1", 10, "DAI")
	assert.ErrorIs(t, err, state.ErrInvalidArgument)
	_, err = f.distributor.DistributePolicyPremium(ctx, "missing", 10, "USDC")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestSplit_SumsExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 300; iter++ {
		n := rng.Intn(6) + 1
		allocs := make([]*state.PolicyAllocation, n)
		for i := range allocs {
			allocs[i] = &state.PolicyAllocation{AllocatedAmount: rng.Int63n(1_000_000) + 1}
		}
		amount := rng.Int63n(10_000_000) + 1

		var sum int64
		for _, s := range premium.Split(amount, allocs) {
			require.GreaterOrEqual(t, s, int64(0))
			sum += s
		}
		require.Equal(t, amount, sum, "iter %d", iter)
	}
}

func TestSplit_RemainderToFirst(t *testing.T) {
	allocs := []*state.PolicyAllocation{{AllocatedAmount: 1}, {AllocatedAmount: 1}, {AllocatedAmount: 1}}
	assert.Equal(t, []int64{4, 3, 3}, premium.Split(10, allocs))
}
