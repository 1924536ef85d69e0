package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"PoolLedger/internal/pending"
	"PoolLedger/internal/settlement"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
)

// MessageKind names an inbound message family. Each kind has its own subject.
type MessageKind string

const (
	KindChainOutcome   MessageKind = "ChainOutcome"
	KindChainSubmitted MessageKind = "ChainSubmitted"
	KindClaimSettled   MessageKind = "ClaimSettled"
	KindPolicyCreated  MessageKind = "PolicyCreated"
	KindPremiumPaid    MessageKind = "PremiumPaid"
	KindPolicyReleased MessageKind = "PolicyReleased"
)

// Submitted reports the chain tx id a pending transaction was broadcast as.
type Submitted struct {
	PendingID uuid.UUID
	ChainTxID string
}

type PolicyCreated struct {
	PolicyID        string
	RequiredCapital int64
	Token           string
}

type PremiumPaid struct {
	PolicyID string
	Amount   int64
	Token    string
}

type PolicyReleased struct {
	PolicyID string
	Status   state.AllocationStatus
}

// ParseMessage converts a raw JSON payload into the typed command for kind:
// pending.Outcome, Submitted, settlement.Claim, PolicyCreated, PremiumPaid
// or PolicyReleased. Errors are permanent: the payload will never parse.
func ParseMessage(kind MessageKind, data []byte) (any, error) {
	switch kind {
	case KindChainOutcome:
		return parseOutcome(data)
	case KindChainSubmitted:
		return parseSubmitted(data)
	case KindClaimSettled:
		return parseClaimSettled(data)
	case KindPolicyCreated:
		return parsePolicyCreated(data)
	case KindPremiumPaid:
		return parsePremiumPaid(data)
	case KindPolicyReleased:
		return parsePolicyReleased(data)
	default:
		return nil, fmt.Errorf("unknown message kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type outcomeJSON struct {
	PendingID   string `json:"pending_id"`
	ChainTxID   string `json:"chain_tx_id"`
	Status      string `json:"status"`
	BlockHeight int64  `json:"block_height"`
	Error       string `json:"error"`
}

func parseOutcome(data []byte) (pending.Outcome, error) {
	var j outcomeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return pending.Outcome{}, fmt.Errorf("parse ChainOutcome: %w", err)
	}
	id, err := uuid.Parse(j.PendingID)
	if err != nil {
		return pending.Outcome{}, fmt.Errorf("parse pending_id: %w", err)
	}
	status := state.TxStatus(strings.ToUpper(j.Status))
	if status != state.TxConfirmed && status != state.TxFailed {
		return pending.Outcome{}, fmt.Errorf("parse status: %q is not a terminal status", j.Status)
	}
	return pending.Outcome{
		PendingID:   id,
		ChainTxID:   j.ChainTxID,
		Status:      status,
		BlockHeight: j.BlockHeight,
		Error:       j.Error,
	}, nil
}

type submittedJSON struct {
	PendingID string `json:"pending_id"`
	ChainTxID string `json:"chain_tx_id"`
}

func parseSubmitted(data []byte) (Submitted, error) {
	var j submittedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Submitted{}, fmt.Errorf("parse ChainSubmitted: %w", err)
	}
	id, err := uuid.Parse(j.PendingID)
	if err != nil {
		return Submitted{}, fmt.Errorf("parse pending_id: %w", err)
	}
	if j.ChainTxID == "" {
		return Submitted{}, fmt.Errorf("parse ChainSubmitted: chain_tx_id is required")
	}
	return Submitted{PendingID: id, ChainTxID: j.ChainTxID}, nil
}

type contributionJSON struct {
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
}

type claimSettledJSON struct {
	PolicyID      string             `json:"policy_id"`
	Amount        int64              `json:"amount"`
	Token         string             `json:"token"`
	ChainTxID     string             `json:"chain_tx_id"`
	BlockHeight   int64              `json:"block_height"`
	Recipient     string             `json:"recipient"`
	Contributions []contributionJSON `json:"contributions"`
}

func parseClaimSettled(data []byte) (settlement.Claim, error) {
	var j claimSettledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return settlement.Claim{}, fmt.Errorf("parse ClaimSettled: %w", err)
	}
	claim := settlement.Claim{
		PolicyID:      j.PolicyID,
		Amount:        j.Amount,
		Token:         j.Token,
		ChainTxID:     j.ChainTxID,
		BlockHeight:   j.BlockHeight,
		Recipient:     j.Recipient,
		Contributions: make([]state.Contribution, 0, len(j.Contributions)),
	}
	for _, c := range j.Contributions {
		claim.Contributions = append(claim.Contributions, state.Contribution{Provider: c.Provider, Amount: c.Amount})
	}
	return claim, nil
}

type policyCreatedJSON struct {
	PolicyID        string `json:"policy_id"`
	RequiredCapital int64  `json:"required_capital"`
	Token           string `json:"token"`
}

func parsePolicyCreated(data []byte) (PolicyCreated, error) {
	var j policyCreatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PolicyCreated{}, fmt.Errorf("parse PolicyCreated: %w", err)
	}
	return PolicyCreated{PolicyID: j.PolicyID, RequiredCapital: j.RequiredCapital, Token: j.Token}, nil
}

type premiumPaidJSON struct {
	PolicyID string `json:"policy_id"`
	Amount   int64  `json:"amount"`
	Token    string `json:"token"`
}

func parsePremiumPaid(data []byte) (PremiumPaid, error) {
	var j premiumPaidJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PremiumPaid{}, fmt.Errorf("parse PremiumPaid: %w", err)
	}
	return PremiumPaid{PolicyID: j.PolicyID, Amount: j.Amount, Token: j.Token}, nil
}

type policyReleasedJSON struct {
	PolicyID string `json:"policy_id"`
	Status   string `json:"status"`
}

func parsePolicyReleased(data []byte) (PolicyReleased, error) {
	var j policyReleasedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PolicyReleased{}, fmt.Errorf("parse PolicyReleased: %w", err)
	}
	status := state.AllocationStatus(strings.ToUpper(j.Status))
	switch status {
	case state.AllocationExpired, state.AllocationCancelled:
	default:
		return PolicyReleased{}, fmt.Errorf("parse status: %q is not a release status", j.Status)
	}
	return PolicyReleased{PolicyID: j.PolicyID, Status: status}, nil
}
