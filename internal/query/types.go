package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceResponse is one provider position in one token.
type BalanceResponse struct {
	Provider             string    `json:"provider"`
	Token                string    `json:"token"`
	TotalDeposited       int64     `json:"total_deposited"`
	AvailableBalance     int64     `json:"available_balance"`
	LockedBalance        int64     `json:"locked_balance"`
	EarnedPremiums       int64     `json:"earned_premiums"`
	WithdrawnPremiums    int64     `json:"withdrawn_premiums"`
	PendingPremiums      int64     `json:"pending_premiums"`
	WithdrawablePremiums int64     `json:"withdrawable_premiums"` // Derived
	LastUpdated          time.Time `json:"last_updated"`
}

// ProviderSummary aggregates a provider across tokens.
type ProviderSummary struct {
	Provider          string            `json:"provider"`
	Balances          []BalanceResponse `json:"balances"`
	ActiveAllocations int               `json:"active_allocations"`
	PendingTxCount    int               `json:"pending_tx_count"`
}

type AllocationResponse struct {
	PolicyID             string          `json:"policy_id"`
	Provider             string          `json:"provider"`
	Token                string          `json:"token"`
	AllocatedAmount      int64           `json:"allocated_amount"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage"`
	Status               string          `json:"status"`
	PremiumDistributed   bool            `json:"premium_distributed"`
	SettlementTxID       string          `json:"settlement_tx_id,omitempty"`
	SettledAmount        int64           `json:"settled_amount,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

type DistributionResponse struct {
	Provider      string    `json:"provider"`
	BatchID       string    `json:"batch_id"`
	PremiumAmount int64     `json:"premium_amount"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PolicyResponse is a policy's capital allocations and premium payouts.
type PolicyResponse struct {
	PolicyID      string                 `json:"policy_id"`
	Token         string                 `json:"token"`
	TotalCapital  int64                  `json:"total_capital"`
	Allocations   []AllocationResponse   `json:"allocations"`
	Distributions []DistributionResponse `json:"distributions"`
}

type PendingResponse struct {
	ID                 string     `json:"id"`
	Provider           string     `json:"provider"`
	Token              string     `json:"token"`
	TxType             string     `json:"tx_type"`
	Amount             int64      `json:"amount"`
	Status             string     `json:"status"`
	ChainTxID          string     `json:"chain_tx_id,omitempty"`
	BlockHeight        int64      `json:"block_height,omitempty"`
	RetryCount         int        `json:"retry_count"`
	Error              string     `json:"error,omitempty"`
	ManualIntervention bool       `json:"manual_intervention"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
}

// TransactionResponse is one row of the append-only transaction log.
type TransactionResponse struct {
	ID          string    `json:"id"`
	PendingID   string    `json:"pending_id"`
	Provider    string    `json:"provider"`
	Token       string    `json:"token"`
	TxType      string    `json:"tx_type"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	ChainTxID   string    `json:"chain_tx_id,omitempty"`
	BlockHeight int64     `json:"block_height,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type ContributionResponse struct {
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
}

type SettlementResponse struct {
	ChainTxID       string                 `json:"chain_tx_id"`
	PolicyID        string                 `json:"policy_id"`
	Token           string                 `json:"token"`
	Amount          int64                  `json:"amount"`
	BlockHeight     int64                  `json:"block_height"`
	Recipient       string                 `json:"recipient"`
	Status          string                 `json:"status"`
	Contributions   []ContributionResponse `json:"contributions"`
	FailedProviders []string               `json:"failed_providers,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type PoolMetricsResponse struct {
	Token              string          `json:"token"`
	Version            int64           `json:"version"`
	Timestamp          time.Time       `json:"timestamp"`
	TotalLiquidity     int64           `json:"total_liquidity"`
	AvailableLiquidity int64           `json:"available_liquidity"`
	LockedLiquidity    int64           `json:"locked_liquidity"`
	TotalProviders     int             `json:"total_providers"`
	ActivePolicies     int             `json:"active_policies"`
	UtilizationRate    decimal.Decimal `json:"utilization_rate"`
	AnnualizedYield    decimal.Decimal `json:"annualized_yield"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy      bool           `json:"is_healthy"`
	RowsChecked    int            `json:"rows_checked"`
	RowViolations  []string       `json:"row_violations,omitempty"`
	LockMismatches []LockMismatch `json:"lock_mismatches,omitempty"`
}

// LockMismatch is a balance row whose locked amount differs from the sum of
// its ACTIVE allocations.
type LockMismatch struct {
	Provider    string `json:"provider"`
	Token       string `json:"token"`
	Locked      int64  `json:"locked"`
	Allocations int64  `json:"allocations"`
}
