package ledger

import (
	"context"
	"errors"
	"fmt"

	"PoolLedger/internal/persistence"
	"PoolLedger/internal/state"
)

// InvariantValidator audits stored balances against the row invariants.
type InvariantValidator struct {
	store BalanceStore
}

func NewInvariantValidator(store BalanceStore) *InvariantValidator {
	return &InvariantValidator{store: store}
}

// ValidateToken checks every row of a token. All violations are joined.
func (v *InvariantValidator) ValidateToken(ctx context.Context, token string) error {
	rows, err := v.store.ListBalances(ctx, persistence.BalanceFilter{Token: token})
	if err != nil {
		return fmt.Errorf("list balances: %w", err)
	}
	return validateRows(rows)
}

// ValidateAll checks every stored row.
func (v *InvariantValidator) ValidateAll(ctx context.Context) error {
	rows, err := v.store.ListBalances(ctx, persistence.BalanceFilter{})
	if err != nil {
		return fmt.Errorf("list balances: %w", err)
	}
	return validateRows(rows)
}

func validateRows(rows []*state.ProviderBalance) error {
	var errs []error
	for _, b := range rows {
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
