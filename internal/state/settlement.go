package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contribution is the amount of one provider's locked capital consumed by
// a claim payout.
type Contribution struct {
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
}

type SettlementStatus string

const (
	SettlementApplying         SettlementStatus = "APPLYING"
	SettlementSettled          SettlementStatus = "SETTLED"
	SettlementPartiallySettled SettlementStatus = "PARTIALLY_SETTLED"
)

// SettlementRecord is the audit entry for one on-chain claim payout.
type SettlementRecord struct {
	ChainTxID       string
	PolicyID        string
	Token           string
	Amount          int64
	BlockHeight     int64
	Recipient       string
	Contributions   []Contribution
	Status          SettlementStatus
	FailedProviders []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r *SettlementRecord) Clone() *SettlementRecord {
	c := *r
	c.Contributions = append([]Contribution(nil), r.Contributions...)
	c.FailedProviders = append([]string(nil), r.FailedProviders...)
	return &c
}

type DistributionStatus string

const (
	DistributionPending    DistributionStatus = "PENDING"
	DistributionProcessing DistributionStatus = "PROCESSING"
	DistributionCompleted  DistributionStatus = "COMPLETED"
	DistributionFailed     DistributionStatus = "FAILED"
)

var distributionTransitions = map[DistributionStatus][]DistributionStatus{
	DistributionPending:    {DistributionProcessing},
	DistributionProcessing: {DistributionCompleted, DistributionFailed},
	DistributionFailed:     {DistributionProcessing},
}

func CanTransitionDistribution(from, to DistributionStatus) bool {
	for _, s := range distributionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProviderPremiumDistribution is one provider's cut of one policy premium.
type ProviderPremiumDistribution struct {
	PolicyID              string
	Provider              string
	BatchID               string
	Token                 string
	PremiumAmount         int64
	AllocationPercentage  decimal.Decimal
	Status                DistributionStatus
	Error                 string
	DistributionTimestamp time.Time
}

func (d *ProviderPremiumDistribution) Clone() *ProviderPremiumDistribution {
	c := *d
	return &c
}

// PoolMetrics is a derived snapshot for one token. Never authoritative.
type PoolMetrics struct {
	Token              string
	Version            int64
	Timestamp          time.Time
	TotalLiquidity     int64
	AvailableLiquidity int64
	LockedLiquidity    int64
	TotalProviders     int
	ActivePolicies     int
	UtilizationRate    decimal.Decimal
	AnnualizedYield    decimal.Decimal
}
