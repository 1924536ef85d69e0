package allocation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"PoolLedger/internal/allocation"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/retry"
	"PoolLedger/internal/state"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLedger fails Lock for chosen providers, either a fixed number of
// times (transient) or always (permanent).
type flakyLedger struct {
	*ledger.ProviderLedger
	transient map[string]int
	permanent map[string]error
}

func (f *flakyLedger) Lock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	if err, ok := f.permanent[key.Provider]; ok {
		return nil, err
	}
	if f.transient[key.Provider] > 0 {
		f.transient[key.Provider]--
		return nil, errors.New("connection reset")
	}
	return f.ProviderLedger.Lock(ctx, key, amount, dedupKey)
}

type fixture struct {
	store     *persistence.MemoryStore
	ledger    *ledger.ProviderLedger
	flaky     *flakyLedger
	allocator *allocation.Allocator
}

func newFixture(t *testing.T, balances map[string]int64) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	l := ledger.NewProviderLedger(store, zerolog.Nop())
	for provider, amount := range balances {
		_, err := l.Credit(context.Background(), state.BalanceKey{Provider: provider, Token: "USDC"}, amount, "seed:"+provider)
		require.NoError(t, err)
	}
	flaky := &flakyLedger{ProviderLedger: l, transient: map[string]int{}, permanent: map[string]error{}}
	a := allocation.NewAllocator(flaky, store, zerolog.Nop()).WithRetryConfig(retry.Config{
		MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1,
	})
	return &fixture{store: store, ledger: l, flaky: flaky, allocator: a}
}

func (f *fixture) balance(t *testing.T, provider string) *state.ProviderBalance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), state.BalanceKey{Provider: provider, Token: "USDC"})
	require.NoError(t, err)
	return b
}

func TestAllocator_CreateAllocationLocksCapital(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 500, "B": 300, "C": 200})
	ctx := context.Background()

	res, err := f.allocator.CreateAllocation(ctx, "policy-1", 700, "USDC")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ProviderCount)
	assert.False(t, res.Existing)

	var sum int64
	for _, a := range res.Allocations {
		sum += a.AllocatedAmount
		assert.Equal(t, state.AllocationActive, a.Status)
		assert.True(t, a.AllocationPercentage.Equal(a.PremiumShare))
	}
	assert.Equal(t, int64(700), sum)

	assert.Equal(t, int64(150), f.balance(t, "A").AvailableBalance)
	assert.Equal(t, int64(350), f.balance(t, "A").LockedBalance)
	assert.Equal(t, int64(210), f.balance(t, "B").LockedBalance)
	assert.Equal(t, int64(140), f.balance(t, "C").LockedBalance)
}

func TestAllocator_CreateAllocationIdempotent(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 500})
	ctx := context.Background()

	_, err := f.allocator.CreateAllocation(ctx, "policy-1", 100, "USDC")
	require.NoError(t, err)
	res, err := f.allocator.CreateAllocation(ctx, "policy-1", 100, "USDC")
	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.Equal(t, int64(100), f.balance(t, "A").LockedBalance)

	_, err = f.allocator.CreateAllocation(ctx, "policy-1", 200, "USDC")
	assert.ErrorIs(t, err, state.ErrAlreadyExists)
}

func TestAllocator_InsufficientLiquidityCommitsNothing(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 100, "B": 100})
	ctx := context.Background()

	_, err := f.allocator.CreateAllocation(ctx, "policy-1", 201, "USDC")
	require.ErrorIs(t, err, state.ErrInsufficientPoolLiquidity)

	rows, err := f.store.ListAllocations(ctx, "policy-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, f.balance(t, "A").LockedBalance)
}

func TestAllocator_TransientLockFailureRetried(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 100, "B": 100})
	f.flaky.transient["B"] = 2
	ctx := context.Background()

	res, err := f.allocator.CreateAllocation(ctx, "policy-1", 200, "USDC")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProviderCount)
	assert.Equal(t, int64(100), f.balance(t, "B").LockedBalance)
}

func TestAllocator_PermanentLockFailureCompensates(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 300, "B": 100})
	f.flaky.permanent["B"] = fmt.Errorf("lock: %w", state.ErrInsufficientBalance)
	ctx := context.Background()

	_, err := f.allocator.CreateAllocation(ctx, "policy-1", 400, "USDC")
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	a := f.balance(t, "A")
	assert.Zero(t, a.LockedBalance, "A's lock must be released")
	assert.Equal(t, int64(300), a.AvailableBalance)

	rows, err := f.store.ListAllocations(ctx, "policy-1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// A later attempt can lock again; dedup keys are per attempt.
	delete(f.flaky.permanent, "B")
	_, err = f.allocator.CreateAllocation(ctx, "policy-1", 400, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(300), f.balance(t, "A").LockedBalance)
}

func TestAllocator_ReleasePolicy(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 500, "B": 500})
	ctx := context.Background()
	_, err := f.allocator.CreateAllocation(ctx, "policy-1", 600, "USDC")
	require.NoError(t, err)

	released, err := f.allocator.ReleasePolicy(ctx, "policy-1", state.AllocationExpired)
	require.NoError(t, err)
	assert.Len(t, released, 2)
	for _, p := range []string{"A", "B"} {
		b := f.balance(t, p)
		assert.Zero(t, b.LockedBalance)
		assert.Equal(t, int64(500), b.AvailableBalance)
	}

	// Re-running is harmless.
	_, err = f.allocator.ReleasePolicy(ctx, "policy-1", state.AllocationExpired)
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balance(t, "A").AvailableBalance)

	_, err = f.allocator.ReleasePolicy(ctx, "policy-1", state.AllocationCancelled)
	assert.ErrorIs(t, err, state.ErrInvalidStatusTransition)

	_, err = f.allocator.ReleasePolicy(ctx, "policy-1", state.AllocationExercised)
	assert.ErrorIs(t, err, state.ErrInvalidArgument)
}
