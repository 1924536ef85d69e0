package state

import (
	"fmt"
	"time"
)

// BalanceKey identifies one provider's position in one token.
type BalanceKey struct {
	Provider string
	Token    string
}

func (k BalanceKey) String() string {
	return k.Provider + "/" + k.Token
}

// ProviderBalance is the durable record of a provider's capital and premiums
// in a single token. Amounts are token base units.
type ProviderBalance struct {
	Provider          string
	Token             string
	TotalDeposited    int64
	AvailableBalance  int64 // Free to allocate or withdraw
	LockedBalance     int64 // Committed to active policy allocations
	EarnedPremiums    int64
	WithdrawnPremiums int64
	PendingPremiums   int64 // Reserved by in-flight premium withdrawals
	LastUpdated       time.Time
}

func NewProviderBalance(key BalanceKey) *ProviderBalance {
	return &ProviderBalance{Provider: key.Provider, Token: key.Token}
}

func (b *ProviderBalance) Key() BalanceKey {
	return BalanceKey{Provider: b.Provider, Token: b.Token}
}

// WithdrawablePremiums is earned minus withdrawn minus pending.
func (b *ProviderBalance) WithdrawablePremiums() int64 {
	return b.EarnedPremiums - b.WithdrawnPremiums - b.PendingPremiums
}

// Validate checks the balance row invariants. A mutation that leaves a row
// failing Validate must not be committed.
func (b *ProviderBalance) Validate() error {
	if b.AvailableBalance < 0 {
		return fmt.Errorf("%w: %s available balance negative: %d", ErrInvariantViolation, b.Key(), b.AvailableBalance)
	}
	if b.LockedBalance < 0 {
		return fmt.Errorf("%w: %s locked balance negative: %d", ErrInvariantViolation, b.Key(), b.LockedBalance)
	}
	if b.AvailableBalance+b.LockedBalance > b.TotalDeposited {
		return fmt.Errorf("%w: %s available+locked=%d exceeds total deposited=%d",
			ErrInvariantViolation, b.Key(), b.AvailableBalance+b.LockedBalance, b.TotalDeposited)
	}
	if b.PendingPremiums < 0 {
		return fmt.Errorf("%w: %s pending premiums negative: %d", ErrInvariantViolation, b.Key(), b.PendingPremiums)
	}
	if b.WithdrawnPremiums+b.PendingPremiums > b.EarnedPremiums {
		return fmt.Errorf("%w: %s withdrawn+pending premiums=%d exceeds earned=%d",
			ErrInvariantViolation, b.Key(), b.WithdrawnPremiums+b.PendingPremiums, b.EarnedPremiums)
	}
	return nil
}

// Clone returns a copy safe to mutate.
func (b *ProviderBalance) Clone() *ProviderBalance {
	c := *b
	return &c
}
