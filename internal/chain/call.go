package chain

import (
	"fmt"
	"strconv"
	"time"

	"PoolLedger/internal/state"

	"github.com/google/uuid"
)

// Contract method names on the collateral/settlement contract.
const (
	MethodDeposit          = "depositCapital"
	MethodWithdraw         = "withdrawCapital"
	MethodWithdrawPremiums = "withdrawPremiums"
)

// CallDescriptor is everything the caller needs to sign and broadcast one
// attempt of a pending transaction. The pending id travels with it so the
// eventual outcome can be matched back.
type CallDescriptor struct {
	PendingID uuid.UUID         `json:"pending_id"`
	Contract  string            `json:"contract"`
	Method    string            `json:"method"`
	Args      map[string]string `json:"args"`
	Nonce     uuid.UUID         `json:"nonce"`
	Deadline  time.Time         `json:"deadline"`
	Attempt   int               `json:"attempt"`
}

// Builder turns typed payloads into call descriptors for one contract.
type Builder struct {
	contract string
}

func NewBuilder(contract string) *Builder {
	return &Builder{contract: contract}
}

func (b *Builder) Build(tx *state.PendingPoolTransaction) (*CallDescriptor, error) {
	d := &CallDescriptor{
		PendingID: tx.ID,
		Contract:  b.contract,
		Attempt:   tx.RetryCount,
	}
	switch p := tx.Payload.(type) {
	case state.DepositPayload:
		d.Method = MethodDeposit
		d.Nonce, d.Deadline = p.Nonce, p.Deadline
		d.Args = map[string]string{
			"provider": p.Provider,
			"token":    p.Token,
			"amount":   strconv.FormatInt(p.Amount, 10),
		}
	case state.WithdrawalPayload:
		d.Method = MethodWithdraw
		d.Nonce, d.Deadline = p.Nonce, p.Deadline
		d.Args = map[string]string{
			"provider":  p.Provider,
			"token":     p.Token,
			"amount":    strconv.FormatInt(p.Amount, 10),
			"recipient": p.Recipient,
		}
	case state.PremiumWithdrawalPayload:
		d.Method = MethodWithdrawPremiums
		d.Nonce, d.Deadline = p.Nonce, p.Deadline
		d.Args = map[string]string{
			"provider":  p.Provider,
			"token":     p.Token,
			"amount":    strconv.FormatInt(p.Amount, 10),
			"recipient": p.Recipient,
		}
	default:
		return nil, fmt.Errorf("%w: no call mapping for payload %T", state.ErrInvalidArgument, tx.Payload)
	}
	d.Args["pending_id"] = tx.ID.String()
	return d, nil
}
