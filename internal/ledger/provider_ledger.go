package ledger

import (
	"context"
	"fmt"
	"time"

	"PoolLedger/internal/persistence"
	"PoolLedger/internal/state"

	"github.com/rs/zerolog"
)

// BalanceStore is the slice of the store the ledger needs.
type BalanceStore interface {
	MutateBalance(ctx context.Context, key state.BalanceKey, dedupKey string, fn persistence.BalanceMutation) (*state.ProviderBalance, bool, error)
	GetBalance(ctx context.Context, key state.BalanceKey) (*state.ProviderBalance, error)
	ListBalances(ctx context.Context, filter persistence.BalanceFilter) ([]*state.ProviderBalance, error)
}

// ProviderLedger owns every mutation of provider balance rows. Each
// operation is a single-row atomic update, idempotent under its dedup key.
type ProviderLedger struct {
	store  BalanceStore
	now    func() time.Time
	logger zerolog.Logger
}

func NewProviderLedger(store BalanceStore, logger zerolog.Logger) *ProviderLedger {
	return &ProviderLedger{store: store, now: time.Now, logger: logger}
}

// WithClock replaces the timestamp source. Tests only.
func (l *ProviderLedger) WithClock(now func() time.Time) *ProviderLedger {
	l.now = now
	return l
}

func (l *ProviderLedger) apply(ctx context.Context, op string, key state.BalanceKey, amount int64, dedupKey string, fn persistence.BalanceMutation) (*state.ProviderBalance, error) {
	if key.Provider == "" || key.Token == "" {
		return nil, fmt.Errorf("%s: %w: provider and token required", op, state.ErrInvalidArgument)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%s: %w: amount must be positive, got %d", op, state.ErrInvalidArgument, amount)
	}
	if dedupKey == "" {
		return nil, fmt.Errorf("%s: %w: dedup key required", op, state.ErrInvalidArgument)
	}

	b, applied, err := l.store.MutateBalance(ctx, key, dedupKey, func(b *state.ProviderBalance) error {
		if err := fn(b); err != nil {
			return err
		}
		b.LastUpdated = l.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, key, err)
	}
	if !applied {
		l.logger.Debug().Str("op", op).Str("key", key.String()).Str("dedup_key", dedupKey).Msg("duplicate mutation skipped")
	}
	return b, nil
}

// Credit increases total deposited and available.
func (l *ProviderLedger) Credit(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "credit", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		b.TotalDeposited += amount
		b.AvailableBalance += amount
		return nil
	})
}

// Debit decreases total deposited and available.
func (l *ProviderLedger) Debit(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "debit", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		if b.AvailableBalance < amount {
			return insufficient(b.AvailableBalance, amount)
		}
		b.TotalDeposited -= amount
		b.AvailableBalance -= amount
		return nil
	})
}

// Lock moves available into locked.
func (l *ProviderLedger) Lock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "lock", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		if b.AvailableBalance < amount {
			return insufficient(b.AvailableBalance, amount)
		}
		b.AvailableBalance -= amount
		b.LockedBalance += amount
		return nil
	})
}

// Unlock moves locked back to available, clamped at the locked amount.
func (l *ProviderLedger) Unlock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "unlock", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		moved := min(amount, b.LockedBalance)
		b.LockedBalance -= moved
		b.AvailableBalance += moved
		return nil
	})
}

// ReleaseSettledLock drops capital paid to a claimant out of locked without
// returning it to available. Clamped at the locked amount.
func (l *ProviderLedger) ReleaseSettledLock(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "release_settled_lock", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		b.LockedBalance -= min(amount, b.LockedBalance)
		return nil
	})
}

// ReduceCapitalForSettlement reduces total deposited only.
func (l *ProviderLedger) ReduceCapitalForSettlement(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "reduce_capital", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		if b.TotalDeposited-amount < b.AvailableBalance+b.LockedBalance {
			return insufficient(b.TotalDeposited-b.AvailableBalance-b.LockedBalance, amount)
		}
		b.TotalDeposited -= amount
		return nil
	})
}

// ReserveWithdrawal takes amount out of available while a withdrawal is in
// flight. Total deposited is untouched until the withdrawal confirms.
func (l *ProviderLedger) ReserveWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "reserve_withdrawal", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		if b.AvailableBalance < amount {
			return insufficient(b.AvailableBalance, amount)
		}
		b.AvailableBalance -= amount
		return nil
	})
}

// ReleaseWithdrawal returns a reserved withdrawal to available.
func (l *ProviderLedger) ReleaseWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "release_withdrawal", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		b.AvailableBalance += amount
		return nil
	})
}

// SettleWithdrawal removes a confirmed withdrawal from total deposited.
func (l *ProviderLedger) SettleWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "settle_withdrawal", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		b.TotalDeposited -= amount
		return nil
	})
}

func (l *ProviderLedger) CreditEarnedPremium(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "credit_premium", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		b.EarnedPremiums += amount
		return nil
	})
}

// ReservePremiumWithdrawal marks earned premiums as pending withdrawal.
func (l *ProviderLedger) ReservePremiumWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "reserve_premium_withdrawal", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		if w := b.WithdrawablePremiums(); w < amount {
			return insufficient(w, amount)
		}
		b.PendingPremiums += amount
		return nil
	})
}

func (l *ProviderLedger) ConfirmPremiumWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "confirm_premium_withdrawal", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		b.PendingPremiums -= amount
		b.WithdrawnPremiums += amount
		return nil
	})
}

func (l *ProviderLedger) ReleasePremiumWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	return l.apply(ctx, "release_premium_withdrawal", key, amount, dedupKey, func(b *state.ProviderBalance) error {
		b.PendingPremiums -= min(amount, b.PendingPremiums)
		return nil
	})
}

// Balance returns the row, or state.ErrNotFound before the first deposit.
func (l *ProviderLedger) Balance(ctx context.Context, key state.BalanceKey) (*state.ProviderBalance, error) {
	return l.store.GetBalance(ctx, key)
}

// ProviderBalances returns one provider's rows across tokens.
func (l *ProviderLedger) ProviderBalances(ctx context.Context, provider string) ([]*state.ProviderBalance, error) {
	return l.store.ListBalances(ctx, persistence.BalanceFilter{Provider: provider})
}

// EligibleProviders lists balances with available > 0 for a token, the
// eligibility set for allocation.
func (l *ProviderLedger) EligibleProviders(ctx context.Context, token string) ([]*state.ProviderBalance, error) {
	all, err := l.store.ListBalances(ctx, persistence.BalanceFilter{Token: token})
	if err != nil {
		return nil, fmt.Errorf("list balances for %s: %w", token, err)
	}
	out := all[:0]
	for _, b := range all {
		if b.AvailableBalance > 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

func insufficient(have, need int64) error {
	return fmt.Errorf("%w: have=%d, need=%d", state.ErrInsufficientBalance, have, need)
}
