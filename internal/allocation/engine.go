package allocation

import (
	"fmt"
	"sort"

	"PoolLedger/internal/math"
	"PoolLedger/internal/state"
)

// Candidate is a provider eligible to back a policy.
type Candidate struct {
	Provider  string
	Available int64
}

// Share is one provider's planned allocation.
type Share struct {
	Provider  string
	Amount    int64
	Available int64
}

// Allocate splits required across candidates proportionally to their
// available balances. Candidates are ordered by available descending, then
// provider ascending, so identical inputs always give identical output.
// The proportional pass floors each share; a second pass walks the same
// order handing out the remainder up to each provider's residual capacity.
// Nothing is returned unless the full amount fits.
func Allocate(required int64, candidates []Candidate) ([]Share, error) {
	if required <= 0 {
		return nil, fmt.Errorf("%w: required amount must be positive, got %d", state.ErrInvalidArgument, required)
	}

	eligible := make([]Candidate, 0, len(candidates))
	var total int64
	for _, c := range candidates {
		if c.Available <= 0 {
			continue
		}
		next, ok := math.SumInt64(total, c.Available)
		if !ok {
			return nil, fmt.Errorf("%w: pool capacity overflows int64", state.ErrInvalidArgument)
		}
		total = next
		eligible = append(eligible, c)
	}
	if total < required {
		return nil, fmt.Errorf("%w: required=%d, available=%d across %d providers",
			state.ErrInsufficientPoolLiquidity, required, total, len(eligible))
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Available != eligible[j].Available {
			return eligible[i].Available > eligible[j].Available
		}
		return eligible[i].Provider < eligible[j].Provider
	})

	amounts := make([]int64, len(eligible))
	remaining := required

	for i, c := range eligible {
		if remaining == 0 {
			break
		}
		tentative := math.MulDivFloor(required, c.Available, total)
		tentative = min(tentative, c.Available, remaining)
		amounts[i] = tentative
		remaining -= tentative
	}

	for i, c := range eligible {
		if remaining == 0 {
			break
		}
		extra := min(c.Available-amounts[i], remaining)
		amounts[i] += extra
		remaining -= extra
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w: %d left unallocated", state.ErrInsufficientPoolLiquidity, remaining)
	}

	shares := make([]Share, 0, len(eligible))
	for i, c := range eligible {
		if amounts[i] == 0 {
			continue
		}
		shares = append(shares, Share{Provider: c.Provider, Amount: amounts[i], Available: c.Available})
	}
	return shares, nil
}
