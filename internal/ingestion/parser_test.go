package ingestion_test

import (
	"encoding/json"
	"testing"

	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/pending"
	"PoolLedger/internal/settlement"
	"PoolLedger/internal/state"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseChainOutcome(t *testing.T) {
	payload := map[string]interface{}{
		"pending_id":   "550e8400-e29b-41d4-a716-446655440000",
		"chain_tx_id":  "0xabc",
		"status":       "confirmed",
		"block_height": int64(1234),
	}

	cmd, err := ingestion.ParseMessage(ingestion.KindChainOutcome, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	o, ok := cmd.(pending.Outcome)
	if !ok {
		t.Fatalf("expected pending.Outcome, got %T", cmd)
	}
	if o.PendingID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("pending_id: got %s", o.PendingID)
	}
	if o.Status != state.TxConfirmed {
		t.Errorf("status: got %s, want CONFIRMED", o.Status)
	}
	if o.BlockHeight != 1234 {
		t.Errorf("block_height: got %d, want 1234", o.BlockHeight)
	}
}

func TestParseChainOutcome_RejectsNonTerminalStatus(t *testing.T) {
	payload := map[string]interface{}{
		"pending_id": "550e8400-e29b-41d4-a716-446655440000",
		"status":     "SUBMITTED",
	}
	if _, err := ingestion.ParseMessage(ingestion.KindChainOutcome, mustJSON(t, payload)); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestParseChainSubmitted(t *testing.T) {
	payload := map[string]interface{}{
		"pending_id":  "550e8400-e29b-41d4-a716-446655440000",
		"chain_tx_id": "0xdef",
	}
	cmd, err := ingestion.ParseMessage(ingestion.KindChainSubmitted, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	s := cmd.(ingestion.Submitted)
	if s.ChainTxID != "0xdef" {
		t.Errorf("chain_tx_id: got %s, want 0xdef", s.ChainTxID)
	}

	delete(payload, "chain_tx_id")
	if _, err := ingestion.ParseMessage(ingestion.KindChainSubmitted, mustJSON(t, payload)); err == nil {
		t.Error("expected error without chain_tx_id")
	}
}

func TestParseClaimSettled(t *testing.T) {
	payload := map[string]interface{}{
		"policy_id":    "policy-1",
		"amount":       int64(700),
		"token":        "USDC",
		"chain_tx_id":  "0xclaim",
		"block_height": int64(99),
		"recipient":    "0xbuyer",
		"contributions": []map[string]interface{}{
			{"provider": "A", "amount": int64(350)},
			{"provider": "B", "amount": int64(350)},
		},
	}

	cmd, err := ingestion.ParseMessage(ingestion.KindClaimSettled, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	c, ok := cmd.(settlement.Claim)
	if !ok {
		t.Fatalf("expected settlement.Claim, got %T", cmd)
	}
	if c.Amount != 700 || c.Token != "USDC" || c.ChainTxID != "0xclaim" {
		t.Errorf("claim fields: got %+v", c)
	}
	if len(c.Contributions) != 2 || c.Contributions[1].Provider != "B" {
		t.Errorf("contributions: got %+v", c.Contributions)
	}
}

func TestParsePolicyMessages(t *testing.T) {
	cmd, err := ingestion.ParseMessage(ingestion.KindPolicyCreated, mustJSON(t, map[string]interface{}{
		"policy_id": "p", "required_capital": int64(500), "token": "USDC",
	}))
	if err != nil {
		t.Fatalf("parse PolicyCreated: %v", err)
	}
	if pc := cmd.(ingestion.PolicyCreated); pc.RequiredCapital != 500 {
		t.Errorf("required_capital: got %d, want 500", pc.RequiredCapital)
	}

	cmd, err = ingestion.ParseMessage(ingestion.KindPremiumPaid, mustJSON(t, map[string]interface{}{
		"policy_id": "p", "amount": int64(25), "token": "USDC",
	}))
	if err != nil {
		t.Fatalf("parse PremiumPaid: %v", err)
	}
	if pp := cmd.(ingestion.PremiumPaid); pp.Amount != 25 {
		t.Errorf("amount: got %d, want 25", pp.Amount)
	}

	cmd, err = ingestion.ParseMessage(ingestion.KindPolicyReleased, mustJSON(t, map[string]interface{}{
		"policy_id": "p", "status": "expired",
	}))
	if err != nil {
		t.Fatalf("parse PolicyReleased: %v", err)
	}
	if pr := cmd.(ingestion.PolicyReleased); pr.Status != state.AllocationExpired {
		t.Errorf("status: got %s, want EXPIRED", pr.Status)
	}

	if _, err := ingestion.ParseMessage(ingestion.KindPolicyReleased, mustJSON(t, map[string]interface{}{
		"policy_id": "p", "status": "EXERCISED",
	})); err == nil {
		t.Error("EXERCISED is not a release status")
	}
}

func TestParseUnknownKind(t *testing.T) {
	_, err := ingestion.ParseMessage("Unknown", []byte(`{}`))
	if err == nil {
		t.Error("expected error for unknown message kind")
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := ingestion.ParseMessage(ingestion.KindChainOutcome, []byte(`{invalid json`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID(t *testing.T) {
	_, err := ingestion.ParseMessage(ingestion.KindChainOutcome, mustJSON(t, map[string]interface{}{
		"pending_id": "not-a-uuid",
		"status":     "FAILED",
	}))
	if err == nil {
		t.Error("expected error for invalid UUID")
	}
}
