package allocation_test

import (
	"math/rand"
	"testing"

	"PoolLedger/internal/allocation"
	"PoolLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharesByProvider(shares []allocation.Share) map[string]int64 {
	out := make(map[string]int64, len(shares))
	for _, s := range shares {
		out[s.Provider] = s.Amount
	}
	return out
}

func TestAllocate_ProportionalScenario(t *testing.T) {
	shares, err := allocation.Allocate(700, []allocation.Candidate{
		{Provider: "C", Available: 200},
		{Provider: "A", Available: 500},
		{Provider: "B", Available: 300},
	})
	require.NoError(t, err)
	require.Len(t, shares, 3)

	assert.Equal(t, "A", shares[0].Provider)
	assert.Equal(t, "B", shares[1].Provider)
	assert.Equal(t, "C", shares[2].Provider)
	assert.Equal(t, map[string]int64{"A": 350, "B": 210, "C": 140}, sharesByProvider(shares))
}

func TestAllocate_RemainderWalksSortedOrder(t *testing.T) {
	// 100 split over three equal providers floors to 33 each; the leftover
	// unit goes to the first provider in sorted order.
	shares, err := allocation.Allocate(100, []allocation.Candidate{
		{Provider: "z", Available: 50},
		{Provider: "x", Available: 50},
		{Provider: "y", Available: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, []allocation.Share{
		{Provider: "x", Amount: 34, Available: 50},
		{Provider: "y", Amount: 33, Available: 50},
		{Provider: "z", Amount: 33, Available: 50},
	}, shares)
}

func TestAllocate_RemainderRespectsCapacity(t *testing.T) {
	shares, err := allocation.Allocate(11, []allocation.Candidate{
		{Provider: "a", Available: 6},
		{Provider: "b", Available: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 6, "b": 5}, sharesByProvider(shares))
}

func TestAllocate_InsufficientLiquidity(t *testing.T) {
	_, err := allocation.Allocate(1001, []allocation.Candidate{
		{Provider: "A", Available: 500},
		{Provider: "B", Available: 500},
	})
	assert.ErrorIs(t, err, state.ErrInsufficientPoolLiquidity)

	_, err = allocation.Allocate(1, nil)
	assert.ErrorIs(t, err, state.ErrInsufficientPoolLiquidity)
}

func TestAllocate_IgnoresEmptyProvidersAndDropsZeroShares(t *testing.T) {
	shares, err := allocation.Allocate(1, []allocation.Candidate{
		{Provider: "a", Available: 1000},
		{Provider: "b", Available: 1},
		{Provider: "c", Available: 0},
		{Provider: "d", Available: -5},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 1}, sharesByProvider(shares))
}

func TestAllocate_RejectsNonPositiveRequirement(t *testing.T) {
	_, err := allocation.Allocate(0, []allocation.Candidate{{Provider: "a", Available: 5}})
	assert.ErrorIs(t, err, state.ErrInvalidArgument)
}

func TestAllocate_Deterministic(t *testing.T) {
	in := []allocation.Candidate{
		{Provider: "b", Available: 77},
		{Provider: "a", Available: 77},
		{Provider: "c", Available: 13},
	}
	first, err := allocation.Allocate(100, in)
	require.NoError(t, err)

	reversed := []allocation.Candidate{in[2], in[1], in[0]}
	second, err := allocation.Allocate(100, reversed)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAllocate_CompletenessProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(8) + 1
		candidates := make([]allocation.Candidate, n)
		var total int64
		for i := range candidates {
			avail := rng.Int63n(1_000_000) + 1
			candidates[i] = allocation.Candidate{Provider: string(rune('a' + i)), Available: avail}
			total += avail
		}
		required := rng.Int63n(total) + 1

		shares, err := allocation.Allocate(required, candidates)
		require.NoError(t, err, "iter %d", iter)

		var sum int64
		avail := make(map[string]int64)
		for _, c := range candidates {
			avail[c.Provider] = c.Available
		}
		for _, s := range shares {
			require.Positive(t, s.Amount)
			require.LessOrEqual(t, s.Amount, avail[s.Provider], "iter %d provider %s", iter, s.Provider)
			sum += s.Amount
		}
		require.Equal(t, required, sum, "iter %d", iter)
	}
}
