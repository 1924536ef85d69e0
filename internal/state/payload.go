package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload carries exactly the typed fields needed to rebuild the external
// chain call for one transaction type.
type Payload interface {
	Kind() TxType
	Validate() error
}

// CallEnvelope is shared by every payload: a fresh nonce and a deadline
// are generated on each attempt so a retried call is never a replay.
type CallEnvelope struct {
	Nonce    uuid.UUID `json:"nonce"`
	Deadline time.Time `json:"deadline"`
}

type DepositPayload struct {
	CallEnvelope
	Provider string `json:"provider"`
	Token    string `json:"token"`
	Amount   int64  `json:"amount"`
}

func (DepositPayload) Kind() TxType { return TxDeposit }

func (p DepositPayload) Validate() error {
	return validateCall(p.Provider, p.Token, p.Amount)
}

type WithdrawalPayload struct {
	CallEnvelope
	Provider  string `json:"provider"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
}

func (WithdrawalPayload) Kind() TxType { return TxWithdrawal }

func (p WithdrawalPayload) Validate() error {
	if p.Recipient == "" {
		return fmt.Errorf("%w: withdrawal recipient required", ErrInvalidArgument)
	}
	return validateCall(p.Provider, p.Token, p.Amount)
}

type PremiumWithdrawalPayload struct {
	CallEnvelope
	Provider  string `json:"provider"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
}

func (PremiumWithdrawalPayload) Kind() TxType { return TxPremiumWithdrawal }

func (p PremiumWithdrawalPayload) Validate() error {
	if p.Recipient == "" {
		return fmt.Errorf("%w: premium withdrawal recipient required", ErrInvalidArgument)
	}
	return validateCall(p.Provider, p.Token, p.Amount)
}

func validateCall(provider, token string, amount int64) error {
	if provider == "" || token == "" {
		return fmt.Errorf("%w: provider and token required", ErrInvalidArgument)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidArgument, amount)
	}
	return nil
}

// NewPayload builds the payload for one attempt of a transaction.
func NewPayload(txType TxType, provider, token string, amount int64, recipient string, deadline time.Time) (Payload, error) {
	env := CallEnvelope{Nonce: uuid.New(), Deadline: deadline.UTC()}
	var p Payload
	switch txType {
	case TxDeposit:
		p = DepositPayload{CallEnvelope: env, Provider: provider, Token: token, Amount: amount}
	case TxWithdrawal:
		p = WithdrawalPayload{CallEnvelope: env, Provider: provider, Token: token, Amount: amount, Recipient: recipient}
	case TxPremiumWithdrawal:
		p = PremiumWithdrawalPayload{CallEnvelope: env, Provider: provider, Token: token, Amount: amount, Recipient: recipient}
	default:
		return nil, fmt.Errorf("%w: unknown tx type %q", ErrInvalidArgument, txType)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Regenerate returns a copy of p with a new nonce and deadline.
func Regenerate(p Payload, deadline time.Time) (Payload, error) {
	env := CallEnvelope{Nonce: uuid.New(), Deadline: deadline.UTC()}
	switch v := p.(type) {
	case DepositPayload:
		v.CallEnvelope = env
		return v, nil
	case WithdrawalPayload:
		v.CallEnvelope = env
		return v, nil
	case PremiumWithdrawalPayload:
		v.CallEnvelope = env
		return v, nil
	}
	return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidArgument, p)
}

// Recipient returns the payout address for outbound payloads, or "".
func Recipient(p Payload) string {
	switch v := p.(type) {
	case WithdrawalPayload:
		return v.Recipient
	case PremiumWithdrawalPayload:
		return v.Recipient
	}
	return ""
}

// CallDeadline returns the deadline stamped on the payload's call, or the
// zero time for an unknown payload.
func CallDeadline(p Payload) time.Time {
	switch v := p.(type) {
	case DepositPayload:
		return v.Deadline
	case WithdrawalPayload:
		return v.Deadline
	case PremiumWithdrawalPayload:
		return v.Deadline
	}
	return time.Time{}
}

type taggedPayload struct {
	Kind TxType          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes a payload with its kind tag for storage.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidArgument)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(taggedPayload{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload decodes a tagged payload into its concrete type.
func UnmarshalPayload(raw []byte) (Payload, error) {
	var tp taggedPayload
	if err := json.Unmarshal(raw, &tp); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	switch tp.Kind {
	case TxDeposit:
		var p DepositPayload
		if err := json.Unmarshal(tp.Data, &p); err != nil {
			return nil, fmt.Errorf("decode deposit payload: %w", err)
		}
		return p, nil
	case TxWithdrawal:
		var p WithdrawalPayload
		if err := json.Unmarshal(tp.Data, &p); err != nil {
			return nil, fmt.Errorf("decode withdrawal payload: %w", err)
		}
		return p, nil
	case TxPremiumWithdrawal:
		var p PremiumWithdrawalPayload
		if err := json.Unmarshal(tp.Data, &p); err != nil {
			return nil, fmt.Errorf("decode premium withdrawal payload: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown payload kind %q", ErrInvalidArgument, tp.Kind)
}
