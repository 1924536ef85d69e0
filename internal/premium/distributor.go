package premium

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Ledger interface {
	CreditEarnedPremium(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
}

type Store interface {
	ListAllocations(ctx context.Context, policyID string) ([]*state.PolicyAllocation, error)
	UpdateAllocation(ctx context.Context, policyID, provider string, fn func(a *state.PolicyAllocation) error) (*state.PolicyAllocation, error)
	InsertDistribution(ctx context.Context, d *state.ProviderPremiumDistribution) (*state.ProviderPremiumDistribution, bool, error)
	UpdateDistribution(ctx context.Context, policyID, provider, batchID string, fn func(d *state.ProviderPremiumDistribution) error) (*state.ProviderPremiumDistribution, error)
}

type Result struct {
	PolicyID      string
	BatchID       string
	Token         string
	Distributions []*state.ProviderPremiumDistribution
	Credited      int64
}

// Distributor credits a policy premium to the providers backing it.
type Distributor struct {
	ledger Ledger
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewDistributor(ledger Ledger, store Store, logger zerolog.Logger) *Distributor {
	return &Distributor{ledger: ledger, store: store, now: time.Now, logger: logger}
}

func (d *Distributor) WithClock(now func() time.Time) *Distributor {
	d.now = now
	return d
}

// BatchID is the distribution batch of a policy. A policy premium is
// distributed once, so the batch is derived from the policy id.
func BatchID(policyID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("premium:"+policyID)).String()
}

// Split divides amount across allocations in proportion to their allocated
// capital. Shares are floored and the remainder goes one unit at a time to
// allocations in the order given, so the parts always sum to amount.
func Split(amount int64, allocs []*state.PolicyAllocation) []int64 {
	shares := make([]int64, len(allocs))
	var total int64
	for _, a := range allocs {
		total += a.AllocatedAmount
	}
	if total <= 0 || amount <= 0 {
		return shares
	}
	var assigned int64
	for i, a := range allocs {
		shares[i] = math.MulDivFloor(amount, a.AllocatedAmount, total)
		assigned += shares[i]
	}
	for i := 0; assigned < amount; i = (i + 1) % len(shares) {
		shares[i]++
		assigned++
	}
	return shares
}

// DistributePolicyPremium splits amount across the policy's ACTIVE
// allocations, credits each provider's earned premiums and flags the
// allocation as distributed. Allocations already flagged are skipped, so a
// re-run only finishes what a previous run left undone. Returns
// ErrNoUndistributedAllocations when nothing is left, and
// ErrNoActiveAllocations when the premium arrives after every allocation
// ended without any share having been paid.
func (d *Distributor) DistributePolicyPremium(ctx context.Context, policyID string, amount int64, token string) (*Result, error) {
	if policyID == "" || token == "" {
		return nil, fmt.Errorf("%w: policy id and token required", state.ErrInvalidArgument)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: premium must be positive, got %d", state.ErrInvalidArgument, amount)
	}

	allocs, err := d.store.ListAllocations(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("load allocations for policy %s: %w", policyID, err)
	}
	if len(allocs) == 0 {
		return nil, fmt.Errorf("allocations for policy %s: %w", policyID, state.ErrNotFound)
	}

	active := make([]*state.PolicyAllocation, 0, len(allocs))
	for _, a := range allocs {
		if a.Status != state.AllocationActive {
			continue
		}
		if a.Token != token {
			return nil, fmt.Errorf("%w: policy %s is allocated in %s, premium paid in %s", state.ErrInvalidArgument, policyID, a.Token, token)
		}
		active = append(active, a)
	}

	if len(active) == 0 && !anyDistributed(allocs) {
		d.logger.Warn().
			Str("policy_id", policyID).
			Int64("amount", amount).
			Int("allocations", len(allocs)).
			Msg("premium arrived with no active allocations, left undistributed")
		return nil, fmt.Errorf("policy %s: %w", policyID, state.ErrNoActiveAllocations)
	}

	shares := Split(amount, active)
	res := &Result{PolicyID: policyID, BatchID: BatchID(policyID), Token: token}
	var errs []error
	for i, a := range active {
		if a.PremiumDistributed {
			continue
		}
		dist, err := d.distribute(ctx, a, res.BatchID, shares[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", a.Provider, err))
			continue
		}
		res.Distributions = append(res.Distributions, dist)
		res.Credited += dist.PremiumAmount
	}

	if len(res.Distributions) == 0 && len(errs) == 0 {
		return nil, fmt.Errorf("policy %s: %w", policyID, state.ErrNoUndistributedAllocations)
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		d.logger.Error().Err(err).Str("policy_id", policyID).Msg("premium distribution incomplete")
		return res, err
	}

	d.logger.Info().
		Str("policy_id", policyID).
		Str("batch_id", res.BatchID).
		Int64("amount", amount).
		Int64("credited", res.Credited).
		Int("providers", len(res.Distributions)).
		Msg("premium distributed")
	return res, nil
}

func anyDistributed(allocs []*state.PolicyAllocation) bool {
	for _, a := range allocs {
		if a.PremiumDistributed {
			return true
		}
	}
	return false
}

// distribute moves one provider's distribution row PENDING -> PROCESSING ->
// COMPLETED around the ledger credit, then flags the allocation.
func (d *Distributor) distribute(ctx context.Context, a *state.PolicyAllocation, batchID string, share int64) (*state.ProviderPremiumDistribution, error) {
	dist, _, err := d.store.InsertDistribution(ctx, &state.ProviderPremiumDistribution{
		PolicyID:             a.PolicyID,
		Provider:             a.Provider,
		BatchID:              batchID,
		Token:                a.Token,
		PremiumAmount:        share,
		AllocationPercentage: a.PremiumShare,
		Status:               state.DistributionPending,
	})
	if err != nil {
		return nil, fmt.Errorf("record distribution: %w", err)
	}

	if dist.Status != state.DistributionCompleted {
		if dist, err = d.transition(ctx, dist, state.DistributionProcessing, ""); err != nil {
			return nil, err
		}
		if dist.PremiumAmount > 0 {
			_, err := d.ledger.CreditEarnedPremium(ctx, a.BalanceKey(), dist.PremiumAmount, creditKey(a.PolicyID, a.Provider))
			if err != nil {
				if _, failErr := d.transition(ctx, dist, state.DistributionFailed, err.Error()); failErr != nil {
					d.logger.Error().Err(failErr).Str("policy_id", a.PolicyID).Str("provider", a.Provider).Msg("failed to mark distribution failed")
				}
				return nil, fmt.Errorf("credit earned premium: %w", err)
			}
		}
		if dist, err = d.transition(ctx, dist, state.DistributionCompleted, ""); err != nil {
			return nil, err
		}
	}

	if _, err := d.store.UpdateAllocation(ctx, a.PolicyID, a.Provider, func(cur *state.PolicyAllocation) error {
		cur.PremiumDistributed = true
		cur.UpdatedAt = d.now().UTC()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("flag allocation distributed: %w", err)
	}
	return dist, nil
}

func (d *Distributor) transition(ctx context.Context, dist *state.ProviderPremiumDistribution, to state.DistributionStatus, msg string) (*state.ProviderPremiumDistribution, error) {
	return d.store.UpdateDistribution(ctx, dist.PolicyID, dist.Provider, dist.BatchID, func(cur *state.ProviderPremiumDistribution) error {
		if cur.Status == to {
			return nil
		}
		if !state.CanTransitionDistribution(cur.Status, to) {
			return fmt.Errorf("%w: distribution %s -> %s", state.ErrInvalidStatusTransition, cur.Status, to)
		}
		cur.Status = to
		cur.Error = msg
		cur.DistributionTimestamp = d.now().UTC()
		return nil
	})
}

func creditKey(policyID, provider string) string {
	return fmt.Sprintf("premium:%s:%s", policyID, provider)
}
