package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/state"

	"github.com/rs/zerolog"
)

type Ledger interface {
	Unlock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	ReleaseSettledLock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	ReduceCapitalForSettlement(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
}

type Store interface {
	ListAllocations(ctx context.Context, policyID string) ([]*state.PolicyAllocation, error)
	UpdateAllocation(ctx context.Context, policyID, provider string, fn func(a *state.PolicyAllocation) error) (*state.PolicyAllocation, error)
	InsertSettlement(ctx context.Context, rec *state.SettlementRecord) error
	GetSettlement(ctx context.Context, chainTxID string) (*state.SettlementRecord, error)
	UpdateSettlement(ctx context.Context, chainTxID string, fn func(rec *state.SettlementRecord) error) (*state.SettlementRecord, error)
}

// Claim is a payout observed on-chain.
type Claim struct {
	PolicyID      string
	Amount        int64
	Token         string
	ChainTxID     string
	BlockHeight   int64
	Recipient     string
	Contributions []state.Contribution
}

type Result struct {
	Record    *state.SettlementRecord
	Duplicate bool // Chain transaction was already fully settled
}

// Reconciler applies claim settlements to provider capital. The chain tx id
// keys the whole settlement: re-submitting it after a partial failure
// resumes the remaining per-provider steps.
type Reconciler struct {
	ledger Ledger
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewReconciler(ledger Ledger, store Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{ledger: ledger, store: store, now: time.Now, logger: logger}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// ProcessClaimSettlement verifies the contribution breakdown against the
// policy's allocations and then, per allocation, marks it EXERCISED,
// returns unconsumed capital to available and removes the consumed capital
// from the provider's total. Verification failures mutate nothing.
func (r *Reconciler) ProcessClaimSettlement(ctx context.Context, claim Claim) (*Result, error) {
	if claim.PolicyID == "" || claim.Token == "" || claim.ChainTxID == "" {
		return nil, fmt.Errorf("%w: policy id, token and chain tx id required", state.ErrInvalidArgument)
	}
	if claim.Amount <= 0 {
		return nil, fmt.Errorf("%w: settlement amount must be positive, got %d", state.ErrInvalidArgument, claim.Amount)
	}

	rec, err := r.store.GetSettlement(ctx, claim.ChainTxID)
	switch {
	case err == nil:
		return r.resume(ctx, claim, rec)
	case errors.Is(err, state.ErrNotFound):
	default:
		return nil, fmt.Errorf("load settlement %s: %w", claim.ChainTxID, err)
	}

	allocs, err := r.store.ListAllocations(ctx, claim.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("load allocations for policy %s: %w", claim.PolicyID, err)
	}
	if err := Verify(claim, allocs); err != nil {
		// A concurrent delivery of the same claim may have recorded and
		// exercised the allocations since the first lookup.
		if rec, getErr := r.store.GetSettlement(ctx, claim.ChainTxID); getErr == nil {
			return r.resume(ctx, claim, rec)
		}
		r.logger.Warn().Err(err).Str("policy_id", claim.PolicyID).Str("chain_tx_id", claim.ChainTxID).Msg("settlement rejected")
		return nil, err
	}
	created, err := r.record(ctx, claim)
	if errors.Is(err, state.ErrAlreadyExists) {
		if rec, err = r.store.GetSettlement(ctx, claim.ChainTxID); err != nil {
			return nil, fmt.Errorf("load settlement %s: %w", claim.ChainTxID, err)
		}
		return r.resume(ctx, claim, rec)
	}
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, created)
}

// resume continues a settlement already recorded under the claim's chain tx.
func (r *Reconciler) resume(ctx context.Context, claim Claim, rec *state.SettlementRecord) (*Result, error) {
	if rec.PolicyID != claim.PolicyID || rec.Amount != claim.Amount || rec.Token != claim.Token {
		return nil, fmt.Errorf("%w: chain tx %s already settled policy %s for %d %s",
			state.ErrAlreadyExists, claim.ChainTxID, rec.PolicyID, rec.Amount, rec.Token)
	}
	if rec.Status == state.SettlementSettled {
		return &Result{Record: rec, Duplicate: true}, nil
	}
	r.logger.Info().Str("chain_tx_id", rec.ChainTxID).Str("status", string(rec.Status)).Msg("resuming settlement")
	return r.apply(ctx, rec)
}

func (r *Reconciler) record(ctx context.Context, claim Claim) (*state.SettlementRecord, error) {
	now := r.now().UTC()
	rec := &state.SettlementRecord{
		ChainTxID:     claim.ChainTxID,
		PolicyID:      claim.PolicyID,
		Token:         claim.Token,
		Amount:        claim.Amount,
		BlockHeight:   claim.BlockHeight,
		Recipient:     claim.Recipient,
		Contributions: append([]state.Contribution(nil), claim.Contributions...),
		Status:        state.SettlementApplying,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.InsertSettlement(ctx, rec); err != nil {
		return nil, fmt.Errorf("record settlement %s: %w", claim.ChainTxID, err)
	}
	return rec, nil
}

// Verify checks a claim against the policy's allocations: contributions sum
// to the claim amount, every contributor holds an ACTIVE allocation in the
// claim token, and no contribution exceeds the allocated amount.
func Verify(claim Claim, allocs []*state.PolicyAllocation) error {
	byProvider := make(map[string]*state.PolicyAllocation, len(allocs))
	for _, a := range allocs {
		byProvider[a.Provider] = a
	}

	var sum int64
	seen := make(map[string]bool, len(claim.Contributions))
	for _, c := range claim.Contributions {
		if c.Amount < 0 {
			return fmt.Errorf("%w: negative contribution %d from %s", state.ErrSettlementVerificationFailed, c.Amount, c.Provider)
		}
		if seen[c.Provider] {
			return fmt.Errorf("%w: duplicate contribution from %s", state.ErrSettlementVerificationFailed, c.Provider)
		}
		seen[c.Provider] = true

		a, ok := byProvider[c.Provider]
		if !ok || a.Status != state.AllocationActive || a.Token != claim.Token {
			return fmt.Errorf("%w: %s has no active %s allocation for policy %s",
				state.ErrSettlementVerificationFailed, c.Provider, claim.Token, claim.PolicyID)
		}
		if c.Amount > a.AllocatedAmount {
			return fmt.Errorf("%w: %s contributes %d but only %d allocated",
				state.ErrSettlementVerificationFailed, c.Provider, c.Amount, a.AllocatedAmount)
		}
		sum += c.Amount
	}
	if sum != claim.Amount {
		return fmt.Errorf("%w: contributions sum to %d, settlement is %d",
			state.ErrSettlementVerificationFailed, sum, claim.Amount)
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, rec *state.SettlementRecord) (*Result, error) {
	allocs, err := r.store.ListAllocations(ctx, rec.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("load allocations for policy %s: %w", rec.PolicyID, err)
	}
	consumed := make(map[string]int64, len(rec.Contributions))
	for _, c := range rec.Contributions {
		consumed[c.Provider] = c.Amount
	}

	var (
		errs   []error
		failed []string
	)
	for _, a := range allocs {
		if err := r.settleAllocation(ctx, rec, a, consumed[a.Provider]); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", a.Provider, err))
			failed = append(failed, a.Provider)
		}
	}

	status := state.SettlementSettled
	if len(failed) > 0 {
		status = state.SettlementPartiallySettled
	}
	settledElsewhere := false
	updated, err := r.store.UpdateSettlement(ctx, rec.ChainTxID, func(cur *state.SettlementRecord) error {
		// Another run finished every step; never downgrade it.
		if cur.Status == state.SettlementSettled {
			settledElsewhere = true
			return nil
		}
		cur.Status = status
		cur.FailedProviders = failed
		cur.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update settlement %s: %w", rec.ChainTxID, err)
	}
	if settledElsewhere {
		if len(errs) > 0 {
			r.logger.Warn().Err(errors.Join(errs...)).Str("chain_tx_id", rec.ChainTxID).Msg("settlement completed by a concurrent run")
		}
		return &Result{Record: updated, Duplicate: true}, nil
	}

	if len(errs) > 0 {
		r.logger.Error().
			Err(errors.Join(errs...)).
			Str("policy_id", rec.PolicyID).
			Str("chain_tx_id", rec.ChainTxID).
			Strs("failed_providers", failed).
			Msg("settlement partially applied")
		return &Result{Record: updated}, fmt.Errorf("settlement %s: %w: %w", rec.ChainTxID, state.ErrSettlementIncomplete, errors.Join(errs...))
	}

	r.logger.Info().
		Str("policy_id", rec.PolicyID).
		Str("chain_tx_id", rec.ChainTxID).
		Int64("amount", rec.Amount).
		Int("allocations", len(allocs)).
		Msg("settlement applied")
	return &Result{Record: updated}, nil
}

// settleAllocation flips one allocation to EXERCISED and applies its ledger
// steps. Every step is keyed by chain tx and provider, so repeating it is
// harmless.
func (r *Reconciler) settleAllocation(ctx context.Context, rec *state.SettlementRecord, a *state.PolicyAllocation, consumed int64) error {
	switch {
	case a.Status == state.AllocationActive:
		var err error
		a, err = r.store.UpdateAllocation(ctx, a.PolicyID, a.Provider, func(cur *state.PolicyAllocation) error {
			if cur.Status == state.AllocationExercised && cur.SettlementTxID == rec.ChainTxID {
				return nil
			}
			if err := state.CheckAllocationTransition(cur.Status, state.AllocationExercised); err != nil {
				return err
			}
			cur.Status = state.AllocationExercised
			cur.SettlementTxID = rec.ChainTxID
			cur.SettledAmount = consumed
			cur.UpdatedAt = r.now().UTC()
			return nil
		})
		if err != nil {
			return fmt.Errorf("exercise allocation: %w", err)
		}
	case a.Status == state.AllocationExercised && a.SettlementTxID == rec.ChainTxID:
		// Resuming.
	case consumed == 0:
		// Released before the claim and not part of it.
		return nil
	default:
		return fmt.Errorf("%w: allocation is %s (settlement %q)", state.ErrInvalidStatusTransition, a.Status, a.SettlementTxID)
	}

	key := a.BalanceKey()
	if residual := a.AllocatedAmount - consumed; residual > 0 {
		if _, err := r.ledger.Unlock(ctx, key, residual, stepKey(rec.ChainTxID, a.Provider, "residual")); err != nil {
			return fmt.Errorf("unlock residual: %w", err)
		}
	}
	if consumed > 0 {
		if _, err := r.ledger.ReleaseSettledLock(ctx, key, consumed, stepKey(rec.ChainTxID, a.Provider, "release")); err != nil {
			return fmt.Errorf("release settled lock: %w", err)
		}
		if _, err := r.ledger.ReduceCapitalForSettlement(ctx, key, consumed, stepKey(rec.ChainTxID, a.Provider, "reduce")); err != nil {
			return fmt.Errorf("reduce capital: %w", err)
		}
	}
	return nil
}

func stepKey(chainTxID, provider, step string) string {
	return fmt.Sprintf("settle:%s:%s:%s", chainTxID, provider, step)
}
