package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/math"
	"PoolLedger/internal/retry"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CapitalLedger is what the allocator needs from the provider ledger.
type CapitalLedger interface {
	EligibleProviders(ctx context.Context, token string) ([]*state.ProviderBalance, error)
	Lock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	Unlock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
}

// AllocationStore persists policy allocation rows.
type AllocationStore interface {
	InsertAllocations(ctx context.Context, allocs []*state.PolicyAllocation) error
	ListAllocations(ctx context.Context, policyID string) ([]*state.PolicyAllocation, error)
	UpdateAllocation(ctx context.Context, policyID, provider string, fn func(a *state.PolicyAllocation) error) (*state.PolicyAllocation, error)
}

// Result is returned by CreateAllocation.
type Result struct {
	PolicyID      string
	Token         string
	Required      int64
	Allocations   []*state.PolicyAllocation
	ProviderCount int
	Existing      bool // Allocations were already present; nothing was locked
}

// Allocator locks provider capital for new policies and records the
// allocation rows as one batch.
type Allocator struct {
	ledger   CapitalLedger
	store    AllocationStore
	retryCfg retry.Config
	now      func() time.Time
	logger   zerolog.Logger
}

func NewAllocator(ledger CapitalLedger, store AllocationStore, logger zerolog.Logger) *Allocator {
	cfg := retry.DefaultConfig()
	cfg.Retryable = func(err error) bool { return !state.IsDomainError(err) }
	return &Allocator{ledger: ledger, store: store, retryCfg: cfg, now: time.Now, logger: logger}
}

func (a *Allocator) WithRetryConfig(cfg retry.Config) *Allocator {
	if cfg.Retryable == nil {
		cfg.Retryable = a.retryCfg.Retryable
	}
	a.retryCfg = cfg
	return a
}

func (a *Allocator) WithClock(now func() time.Time) *Allocator {
	a.now = now
	return a
}

// CreateAllocation plans, locks and records the allocation of required
// capital for a policy. Calling it again for a policy that already has
// allocations returns them without locking anything. If any lock fails the
// locks already taken are released and no rows are written.
func (a *Allocator) CreateAllocation(ctx context.Context, policyID string, required int64, token string) (*Result, error) {
	if policyID == "" || token == "" {
		return nil, fmt.Errorf("%w: policy id and token required", state.ErrInvalidArgument)
	}
	if required <= 0 {
		return nil, fmt.Errorf("%w: required amount must be positive, got %d", state.ErrInvalidArgument, required)
	}

	if res, err := a.existing(ctx, policyID, required, token); res != nil || err != nil {
		return res, err
	}

	balances, err := a.ledger.EligibleProviders(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load eligible providers: %w", err)
	}
	candidates := make([]Candidate, 0, len(balances))
	for _, b := range balances {
		candidates = append(candidates, Candidate{Provider: b.Provider, Available: b.AvailableBalance})
	}

	shares, err := Allocate(required, candidates)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", policyID, err)
	}

	attempt := uuid.NewString()
	locked := make([]Share, 0, len(shares))
	for _, sh := range shares {
		key := state.BalanceKey{Provider: sh.Provider, Token: token}
		err := retry.WithBackoff(ctx, a.retryCfg, a.logger, "allocation_lock", func() error {
			_, err := a.ledger.Lock(ctx, key, sh.Amount, lockKey(policyID, attempt, sh.Provider))
			return err
		})
		if err != nil {
			a.compensate(ctx, policyID, attempt, token, locked)
			return nil, fmt.Errorf("policy %s: lock %s for %s: %w", policyID, sh.Provider, token, err)
		}
		locked = append(locked, sh)
	}

	now := a.now().UTC()
	rows := make([]*state.PolicyAllocation, 0, len(shares))
	for _, sh := range shares {
		pct := math.Ratio(sh.Amount, required)
		rows = append(rows, &state.PolicyAllocation{
			PolicyID:             policyID,
			Provider:             sh.Provider,
			Token:                token,
			AllocatedAmount:      sh.Amount,
			AllocationPercentage: pct,
			PremiumShare:         pct,
			Status:               state.AllocationActive,
			CreatedAt:            now,
			UpdatedAt:            now,
		})
	}

	if err := a.store.InsertAllocations(ctx, rows); err != nil {
		a.compensate(ctx, policyID, attempt, token, locked)
		if errors.Is(err, state.ErrAlreadyExists) {
			// Lost a race with a concurrent creation of the same policy.
			if res, existErr := a.existing(ctx, policyID, required, token); res != nil || existErr != nil {
				return res, existErr
			}
		}
		return nil, fmt.Errorf("record allocations for policy %s: %w", policyID, err)
	}

	a.logger.Info().
		Str("policy_id", policyID).
		Str("token", token).
		Int64("required", required).
		Int("providers", len(rows)).
		Msg("allocation created")

	return &Result{PolicyID: policyID, Token: token, Required: required, Allocations: rows, ProviderCount: len(rows)}, nil
}

// existing returns the stored allocation set when it matches the request,
// an error when it conflicts, and nil, nil when the policy is new.
func (a *Allocator) existing(ctx context.Context, policyID string, required int64, token string) (*Result, error) {
	rows, err := a.store.ListAllocations(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("load allocations for policy %s: %w", policyID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var sum int64
	for _, r := range rows {
		if r.Token != token {
			return nil, fmt.Errorf("%w: policy %s already allocated in %s", state.ErrAlreadyExists, policyID, r.Token)
		}
		sum += r.AllocatedAmount
	}
	if sum != required {
		return nil, fmt.Errorf("%w: policy %s already allocated %d, requested %d", state.ErrAlreadyExists, policyID, sum, required)
	}
	return &Result{PolicyID: policyID, Token: token, Required: required, Allocations: rows, ProviderCount: len(rows), Existing: true}, nil
}

func (a *Allocator) compensate(ctx context.Context, policyID, attempt, token string, locked []Share) {
	for _, sh := range locked {
		key := state.BalanceKey{Provider: sh.Provider, Token: token}
		err := retry.WithBackoff(ctx, a.retryCfg, a.logger, "allocation_unlock", func() error {
			_, err := a.ledger.Unlock(ctx, key, sh.Amount, unlockKey(policyID, attempt, sh.Provider))
			return err
		})
		if err != nil {
			a.logger.Error().Err(err).
				Str("policy_id", policyID).
				Str("provider", sh.Provider).
				Int64("amount", sh.Amount).
				Msg("failed to release allocation lock, manual reconciliation required")
		}
	}
}

// ReleasePolicy moves every ACTIVE allocation of a policy to EXPIRED or
// CANCELLED and returns the locked capital to available. Re-running it
// finishes any unlock a previous run did not complete.
func (a *Allocator) ReleasePolicy(ctx context.Context, policyID string, status state.AllocationStatus) ([]*state.PolicyAllocation, error) {
	if status != state.AllocationExpired && status != state.AllocationCancelled {
		return nil, fmt.Errorf("%w: release status must be EXPIRED or CANCELLED, got %s", state.ErrInvalidArgument, status)
	}
	rows, err := a.store.ListAllocations(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("load allocations for policy %s: %w", policyID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("allocations for policy %s: %w", policyID, state.ErrNotFound)
	}

	var errs []error
	released := make([]*state.PolicyAllocation, 0, len(rows))
	for _, row := range rows {
		current := row
		if row.Status == state.AllocationActive {
			current, err = a.store.UpdateAllocation(ctx, policyID, row.Provider, func(alloc *state.PolicyAllocation) error {
				if err := state.CheckAllocationTransition(alloc.Status, status); err != nil {
					return err
				}
				alloc.Status = status
				alloc.UpdatedAt = a.now().UTC()
				return nil
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", row.Provider, err))
				continue
			}
		}
		if current.Status != status {
			continue
		}
		if _, err := a.ledger.Unlock(ctx, current.BalanceKey(), current.AllocatedAmount, releaseKey(policyID, current.Provider)); err != nil {
			errs = append(errs, fmt.Errorf("unlock provider %s: %w", current.Provider, err))
			continue
		}
		released = append(released, current)
	}

	if len(released) == 0 && len(errs) == 0 {
		return nil, fmt.Errorf("%w: policy %s has no allocations to release", state.ErrInvalidStatusTransition, policyID)
	}
	a.logger.Info().Str("policy_id", policyID).Str("status", string(status)).Int("released", len(released)).Msg("policy released")
	return released, errors.Join(errs...)
}

func lockKey(policyID, attempt, provider string) string {
	return fmt.Sprintf("alloc:%s:%s:%s:lock", policyID, attempt, provider)
}

func unlockKey(policyID, attempt, provider string) string {
	return fmt.Sprintf("alloc:%s:%s:%s:unlock", policyID, attempt, provider)
}

func releaseKey(policyID, provider string) string {
	return fmt.Sprintf("release:%s:%s", policyID, provider)
}
