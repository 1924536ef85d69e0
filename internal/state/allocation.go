package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type AllocationStatus string

const (
	AllocationActive    AllocationStatus = "ACTIVE"
	AllocationExpired   AllocationStatus = "EXPIRED"
	AllocationExercised AllocationStatus = "EXERCISED"
	AllocationCancelled AllocationStatus = "CANCELLED"
)

func (s AllocationStatus) IsTerminal() bool {
	return s == AllocationExpired || s == AllocationExercised || s == AllocationCancelled
}

func ParseAllocationStatus(s string) (AllocationStatus, error) {
	switch st := AllocationStatus(s); st {
	case AllocationActive, AllocationExpired, AllocationExercised, AllocationCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown allocation status %q", ErrInvalidArgument, s)
}

// CheckAllocationTransition allows only ACTIVE -> terminal.
func CheckAllocationTransition(from, to AllocationStatus) error {
	if from == AllocationActive && to.IsTerminal() {
		return nil
	}
	return fmt.Errorf("%w: allocation %s -> %s", ErrInvalidStatusTransition, from, to)
}

// PolicyAllocation is one provider's share of one policy's required capital.
type PolicyAllocation struct {
	PolicyID             string
	Provider             string
	Token                string
	AllocatedAmount      int64
	AllocationPercentage decimal.Decimal // Fraction of the policy requirement, 0..1
	PremiumShare         decimal.Decimal
	Status               AllocationStatus
	PremiumDistributed   bool
	SettlementTxID       string
	SettledAmount        int64 // Capital consumed by a claim settlement
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (a *PolicyAllocation) BalanceKey() BalanceKey {
	return BalanceKey{Provider: a.Provider, Token: a.Token}
}

func (a *PolicyAllocation) Clone() *PolicyAllocation {
	c := *a
	return &c
}
