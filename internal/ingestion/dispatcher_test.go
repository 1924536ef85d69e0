package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/pending"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/settlement"
	"PoolLedger/internal/state"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *core.Service) {
	t.Helper()
	svc := core.NewService(persistence.NewMemoryStore(), core.Config{ChainContract: "0xpool"}, zerolog.Nop())
	t.Cleanup(svc.Close)
	return ingestion.NewDispatcher(svc, nil, zerolog.Nop()), svc
}

func msg(t *testing.T, kind ingestion.MessageKind, v interface{}) ingestion.RawMessage {
	return ingestion.RawMessage{Subject: "test", Kind: kind, Data: mustJSON(t, v), Timestamp: time.Now()}
}

func TestDispatcher_DepositOutcomeFlow(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	h, err := svc.RequestCapitalCommitment(ctx, "A", "USDC", 500)
	require.NoError(t, err)

	submitted := msg(t, ingestion.KindChainSubmitted, map[string]interface{}{
		"pending_id": h.Tx.ID.String(), "chain_tx_id": "0x1",
	})
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, submitted))

	outcome := msg(t, ingestion.KindChainOutcome, map[string]interface{}{
		"pending_id": h.Tx.ID.String(), "chain_tx_id": "0x1", "status": "CONFIRMED",
	})
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, outcome))
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, outcome), "redelivery is acked")

	tx, err := svc.GetTransaction(ctx, h.Tx.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TxConfirmed, tx.Status)
}

func TestDispatcher_PolicyMessages(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	h, err := svc.RequestCapitalCommitment(ctx, "A", "USDC", 500)
	require.NoError(t, err)
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, msg(t, ingestion.KindChainOutcome, map[string]interface{}{
		"pending_id": h.Tx.ID.String(), "chain_tx_id": "0x1", "status": "CONFIRMED",
	})))

	created := msg(t, ingestion.KindPolicyCreated, map[string]interface{}{
		"policy_id": "p-1", "required_capital": 200, "token": "USDC",
	})
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, created))
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, created), "existing allocation is a duplicate")

	premium := msg(t, ingestion.KindPremiumPaid, map[string]interface{}{
		"policy_id": "p-1", "amount": 10, "token": "USDC",
	})
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, premium))
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, premium), "already distributed is acked")

	released := msg(t, ingestion.KindPolicyReleased, map[string]interface{}{
		"policy_id": "p-1", "status": "EXPIRED",
	})
	assert.Equal(t, ingestion.Ack, d.Dispatch(ctx, released))

	tooBig := msg(t, ingestion.KindPolicyCreated, map[string]interface{}{
		"policy_id": "p-2", "required_capital": 10_000, "token": "USDC",
	})
	assert.Equal(t, ingestion.Term, d.Dispatch(ctx, tooBig))
}

func TestDispatcher_PremiumForEndedPolicyIsNotAcked(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	h, err := svc.RequestCapitalCommitment(ctx, "A", "USDC", 500)
	require.NoError(t, err)
	_, err = svc.ReportTransactionOutcome(ctx, pending.Outcome{PendingID: h.Tx.ID, ChainTxID: "0x1", Status: state.TxConfirmed})
	require.NoError(t, err)
	_, err = svc.CreateAllocation(ctx, "p-ended", 200, "USDC")
	require.NoError(t, err)
	_, err = svc.ReleasePolicy(ctx, "p-ended", state.AllocationExpired)
	require.NoError(t, err)

	premium := msg(t, ingestion.KindPremiumPaid, map[string]interface{}{
		"policy_id": "p-ended", "amount": 10, "token": "USDC",
	})
	assert.Equal(t, ingestion.Term, d.Dispatch(ctx, premium))
}

func TestDispatcher_UnparseableIsTerminal(t *testing.T) {
	d, _ := newDispatcher(t)
	raw := ingestion.RawMessage{Kind: ingestion.KindChainOutcome, Data: []byte(`{nope`)}
	assert.Equal(t, ingestion.Term, d.Dispatch(context.Background(), raw))
}

type failingHandler struct {
	ingestion.Handler
	err error
}

func (f failingHandler) ProcessClaimSettlement(context.Context, settlement.Claim) (*settlement.Result, error) {
	return nil, f.err
}

func TestDispatcher_Classification(t *testing.T) {
	claim := map[string]interface{}{"policy_id": "p", "amount": 1, "token": "USDC", "chain_tx_id": "0x"}
	tests := []struct {
		name string
		err  error
		want ingestion.Disposition
	}{
		{"store outage", errors.New("connection reset"), ingestion.Nak},
		{"incomplete settlement", fmt.Errorf("settle: %w", state.ErrSettlementIncomplete), ingestion.Nak},
		{"verification", fmt.Errorf("x: %w", state.ErrSettlementVerificationFailed), ingestion.Term},
		{"conflict", state.ErrAlreadyExists, ingestion.Term},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ingestion.NewDispatcher(failingHandler{err: tt.err}, nil, zerolog.Nop())
			assert.Equal(t, tt.want, d.Dispatch(context.Background(), msg(t, ingestion.KindClaimSettled, claim)))
		})
	}
}

func TestDispatcher_RunAcksAndStops(t *testing.T) {
	d, _ := newDispatcher(t)
	ch := make(chan ingestion.RawMessage, 2)

	var acked, termed int
	ch <- ingestion.RawMessage{Kind: ingestion.KindChainOutcome, Data: []byte(`bad`), TermFunc: func() { termed++ }}
	ch <- ingestion.RawMessage{
		Kind: ingestion.KindPremiumPaid, Data: []byte(`{"policy_id":"none","amount":1,"token":"USDC"}`),
		AckFunc: func() { acked++ }, TermFunc: func() { termed++ },
	}
	close(ch)

	require.NoError(t, d.Run(context.Background(), ch))
	assert.Equal(t, 2, termed, "unknown policy is terminal")
	assert.Zero(t, acked)
}

// --- Publisher ---

type fakeJS struct {
	subject string
	data    []byte
	opts    int
	err     error
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subject, f.data, f.opts = subject, data, len(opts)
	return &jetstream.PubAck{Stream: "POOL_LEDGER_EVENTS"}, f.err
}

func TestOutboundPublisher(t *testing.T) {
	js := &fakeJS{}
	p := ingestion.NewOutboundPublisher(js)

	err := p.Publish(context.Background(), core.Event{Type: core.EventSettlementApplied, ID: "settlement:0x1:SETTLED", Data: map[string]int{"amount": 5}})
	require.NoError(t, err)
	assert.Equal(t, "pool.ledger.events.settlement_applied", js.subject)
	assert.Equal(t, 1, js.opts)
	assert.Contains(t, string(js.data), `"id":"settlement:0x1:SETTLED"`)

	js.err = errors.New("no responders")
	assert.Error(t, p.Publish(context.Background(), core.Event{Type: core.EventMetricsSnapshot}))
}
