package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TxType string

const (
	TxDeposit           TxType = "DEPOSIT"
	TxWithdrawal        TxType = "WITHDRAWAL"
	TxPremiumWithdrawal TxType = "PREMIUM_WITHDRAWAL"
)

func ParseTxType(s string) (TxType, error) {
	switch t := TxType(s); t {
	case TxDeposit, TxWithdrawal, TxPremiumWithdrawal:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tx type %q", ErrInvalidArgument, s)
}

type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxSubmitted TxStatus = "SUBMITTED"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
)

func (s TxStatus) IsTerminal() bool {
	return s == TxConfirmed || s == TxFailed
}

func ParseTxStatus(s string) (TxStatus, error) {
	switch st := TxStatus(s); st {
	case TxPending, TxSubmitted, TxConfirmed, TxFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown tx status %q", ErrInvalidArgument, s)
}

// txTransitions lists the legal forward moves of the pending state machine.
// PENDING may jump straight to a terminal state when the outcome arrives
// before the submit acknowledgement. FAILED -> PENDING is the retry edge.
var txTransitions = map[TxStatus][]TxStatus{
	TxPending:   {TxSubmitted, TxConfirmed, TxFailed},
	TxSubmitted: {TxConfirmed, TxFailed},
	TxFailed:    {TxPending},
}

func CheckTxTransition(from, to TxStatus) error {
	for _, s := range txTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: transaction %s -> %s", ErrInvalidStatusTransition, from, to)
}

// PendingPoolTransaction is the single authoritative record of one
// capital-affecting operation awaiting an external outcome.
type PendingPoolTransaction struct {
	ID                 uuid.UUID
	Provider           string
	Token              string
	TxType             TxType
	Amount             int64
	Status             TxStatus
	ChainTxID          string
	BlockHeight        int64
	RetryCount         int
	Payload            Payload
	Error              string
	Finalized          bool // Terminal ledger follow-up fully applied
	ManualIntervention bool // Retry limit reached; frozen for operators
	CreatedAt          time.Time
	UpdatedAt          time.Time
	SubmittedAt        *time.Time
}

func (t *PendingPoolTransaction) BalanceKey() BalanceKey {
	return BalanceKey{Provider: t.Provider, Token: t.Token}
}

// Attempt identifies the current try. Dedup keys include it so a retried
// transaction can reserve and release again without colliding with the
// previous attempt's keys.
func (t *PendingPoolTransaction) Attempt() int {
	return t.RetryCount
}

func (t *PendingPoolTransaction) DedupKey(step string) string {
	return fmt.Sprintf("ptx:%s:%d:%s", t.ID, t.RetryCount, step)
}

func (t *PendingPoolTransaction) Clone() *PendingPoolTransaction {
	c := *t
	if t.SubmittedAt != nil {
		ts := *t.SubmittedAt
		c.SubmittedAt = &ts
	}
	return &c
}

// PoolTransaction is an append-only log row written for every terminal
// outcome of a pending transaction attempt.
type PoolTransaction struct {
	ID          string
	PendingID   uuid.UUID
	Provider    string
	Token       string
	TxType      TxType
	Amount      int64
	Status      TxStatus
	ChainTxID   string
	BlockHeight int64
	Description string
	CreatedAt   time.Time
}

// PoolTransactionID is derived from the pending id and attempt so that a
// re-run of finalization never appends a second row.
func PoolTransactionID(pendingID uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s-%d", pendingID, attempt)
}
