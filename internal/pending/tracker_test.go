package pending_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PoolLedger/internal/chain"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/pending"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/state"
	"PoolLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usdcA = state.BalanceKey{Provider: "prov-a", Token: "USDC"}

type fixture struct {
	store   *persistence.MemoryStore
	ledger  *ledger.ProviderLedger
	tracker *pending.Tracker
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: persistence.NewMemoryStore(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.ledger = ledger.NewProviderLedger(f.store, zerolog.Nop())
	f.tracker = pending.NewTracker(f.store, f.ledger, chain.NewBuilder("0xpool"), pending.Config{MaxRetries: 3}, zerolog.Nop()).
		WithClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) seed(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), usdcA, amount, "seed")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) *state.ProviderBalance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), usdcA)
	require.NoError(t, err)
	return b
}

func (f *fixture) create(t *testing.T, txType state.TxType, amount int64) *state.PendingPoolTransaction {
	t.Helper()
	tx, call, err := f.tracker.Create(context.Background(), pending.Request{
		Provider: usdcA.Provider, Token: usdcA.Token, TxType: txType, Amount: amount, Recipient: "0xdest",
	})
	require.NoError(t, err)
	require.Equal(t, tx.ID, call.PendingID)
	return tx
}

func TestTracker_DepositConfirmedCreditsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.create(t, state.TxDeposit, 1000)
	_, err := f.ledger.Balance(ctx, usdcA)
	assert.ErrorIs(t, err, state.ErrNotFound, "deposit must not touch the ledger before confirmation")

	_, err = f.tracker.MarkSubmitted(ctx, tx.ID, "0xabc")
	require.NoError(t, err)

	res, err := f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0xabc", Status: state.TxConfirmed, BlockHeight: 42})
	require.NoError(t, err)
	assert.True(t, res.Tx.Finalized)
	assert.False(t, res.Duplicate)

	b := f.balance(t)
	assert.Equal(t, int64(1000), b.TotalDeposited)
	assert.Equal(t, int64(1000), b.AvailableBalance)

	log, err := f.store.ListPoolTransactions(ctx, persistence.TxLogFilter{Provider: usdcA.Provider})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, state.PoolTransactionID(tx.ID, 0), log[0].ID)
	assert.Equal(t, state.TxConfirmed, log[0].Status)
	assert.Equal(t, int64(42), log[0].BlockHeight)
}

func TestTracker_WithdrawalFailedRestoresAvailable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 500)
	ctx := context.Background()

	tx := f.create(t, state.TxWithdrawal, 100)
	assert.Equal(t, int64(400), f.balance(t).AvailableBalance)

	_, err := f.tracker.MarkSubmitted(ctx, tx.ID, "0xw1")
	require.NoError(t, err)
	_, err = f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0xw1", Status: state.TxFailed, Error: "reverted"})
	require.NoError(t, err)

	b := f.balance(t)
	assert.Equal(t, int64(500), b.AvailableBalance)
	assert.Equal(t, int64(500), b.TotalDeposited)

	log, err := f.store.ListPoolTransactions(ctx, persistence.TxLogFilter{})
	require.NoError(t, err)
	for _, row := range log {
		assert.NotEqual(t, state.TxConfirmed, row.Status)
	}
}

func TestTracker_WithdrawalConfirmedReducesTotal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 500)
	ctx := context.Background()

	tx := f.create(t, state.TxWithdrawal, 200)
	_, err := f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0xw2", Status: state.TxConfirmed})
	require.NoError(t, err)

	b := f.balance(t)
	assert.Equal(t, int64(300), b.TotalDeposited)
	assert.Equal(t, int64(300), b.AvailableBalance)
}

func TestTracker_WithdrawalRejectedWhenInsufficient(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 50)

	_, _, err := f.tracker.Create(context.Background(), pending.Request{
		Provider: usdcA.Provider, Token: usdcA.Token, TxType: state.TxWithdrawal, Amount: 51, Recipient: "0xdest",
	})
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	txs, err := f.tracker.List(context.Background(), persistence.PendingFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestTracker_PremiumWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.CreditEarnedPremium(ctx, usdcA, 80, "premium:p1:prov-a")
	require.NoError(t, err)

	tx := f.create(t, state.TxPremiumWithdrawal, 60)
	assert.Equal(t, int64(60), f.balance(t).PendingPremiums)

	_, _, err = f.tracker.Create(ctx, pending.Request{
		Provider: usdcA.Provider, Token: usdcA.Token, TxType: state.TxPremiumWithdrawal, Amount: 30, Recipient: "0xdest",
	})
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	_, err = f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0xp", Status: state.TxConfirmed})
	require.NoError(t, err)
	b := f.balance(t)
	assert.Zero(t, b.PendingPremiums)
	assert.Equal(t, int64(60), b.WithdrawnPremiums)
	assert.Equal(t, int64(20), b.WithdrawablePremiums())
}

func TestTracker_OutcomeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, state.TxDeposit, 100)

	outcome := pending.Outcome{PendingID: tx.ID, ChainTxID: "0xd", Status: state.TxConfirmed}
	_, err := f.tracker.ApplyOutcome(ctx, outcome)
	require.NoError(t, err)
	res, err := f.tracker.ApplyOutcome(ctx, outcome)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(100), f.balance(t).TotalDeposited)

	log, err := f.store.ListPoolTransactions(ctx, persistence.TxLogFilter{})
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestTracker_ConflictingOutcomeRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 100)
	ctx := context.Background()
	tx := f.create(t, state.TxWithdrawal, 100)

	_, err := f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0x1", Status: state.TxConfirmed})
	require.NoError(t, err)

	_, err = f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0x1", Status: state.TxFailed})
	assert.ErrorIs(t, err, state.ErrInvalidStatusTransition)

	_, err = f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0x2", Status: state.TxConfirmed})
	assert.ErrorIs(t, err, state.ErrInvalidStatusTransition)

	assert.Zero(t, f.balance(t).TotalDeposited)
}

func TestTracker_MarkSubmittedTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, state.TxDeposit, 10)

	got, err := f.tracker.MarkSubmitted(ctx, tx.ID, "0xs")
	require.NoError(t, err)
	assert.Equal(t, state.TxSubmitted, got.Status)
	require.NotNil(t, got.SubmittedAt)

	_, err = f.tracker.MarkSubmitted(ctx, tx.ID, "0xs")
	require.NoError(t, err)
	_, err = f.tracker.MarkSubmitted(ctx, tx.ID, "0xother")
	assert.ErrorIs(t, err, state.ErrInvalidStatusTransition)

	_, err = f.tracker.MarkSubmitted(ctx, uuid.New(), "0xs")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestTracker_RetryRegeneratesAndReReserves(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 500)
	ctx := context.Background()
	tx := f.create(t, state.TxWithdrawal, 100)
	firstNonce := tx.Payload.(state.WithdrawalPayload).Nonce

	_, err := f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, Status: state.TxFailed, Error: "gas"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balance(t).AvailableBalance)

	retried, call, err := f.tracker.Retry(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TxPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, 1, call.Attempt)
	assert.NotEqual(t, firstNonce, call.Nonce)
	assert.Equal(t, "0xdest", call.Args["recipient"])
	assert.Equal(t, int64(400), f.balance(t).AvailableBalance)

	_, err = f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0xok", Status: state.TxConfirmed})
	require.NoError(t, err)
	b := f.balance(t)
	assert.Equal(t, int64(400), b.TotalDeposited)
	assert.Equal(t, int64(400), b.AvailableBalance)

	log, err := f.store.ListPoolTransactions(ctx, persistence.TxLogFilter{})
	require.NoError(t, err)
	assert.Len(t, log, 2, "one log row per attempt")
}

func TestTracker_RetryLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, state.TxDeposit, 10)

	for i := 0; i < 3; i++ {
		_, err := f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, Status: state.TxFailed})
		require.NoError(t, err)
		_, _, err = f.tracker.Retry(ctx, tx.ID)
		require.NoError(t, err, "retry %d", i+1)
	}
	_, err := f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, Status: state.TxFailed})
	require.NoError(t, err)

	_, _, err = f.tracker.Retry(ctx, tx.ID)
	require.ErrorIs(t, err, state.ErrRetryLimitExceeded)

	got, err := f.tracker.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.ManualIntervention)
	assert.Equal(t, state.TxFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestTracker_RetryRequiresFailed(t *testing.T) {
	f := newFixture(t)
	tx := f.create(t, state.TxDeposit, 10)
	_, _, err := f.tracker.Retry(context.Background(), tx.ID)
	assert.ErrorIs(t, err, state.ErrInvalidStatusTransition)
}

func TestTracker_ExpireStaleOnlyTouchesPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 500)
	ctx := context.Background()

	stale := f.create(t, state.TxWithdrawal, 100)
	submitted := f.create(t, state.TxWithdrawal, 50)
	_, err := f.tracker.MarkSubmitted(ctx, submitted.ID, "0xsub")
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Hour)
	fresh := f.create(t, state.TxWithdrawal, 25)

	n, err := f.tracker.ExpireStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.tracker.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TxFailed, got.Status)
	assert.True(t, got.Finalized)

	for id, want := range map[uuid.UUID]state.TxStatus{submitted.ID: state.TxSubmitted, fresh.ID: state.TxPending} {
		got, err := f.tracker.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}
	assert.Equal(t, int64(500-50-25), f.balance(t).AvailableBalance)
}

func TestTracker_ExpireStaleWaitsForCallDeadline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1000)
	ctx := context.Background()

	tx, call, err := f.tracker.Create(ctx, pending.Request{
		Provider: usdcA.Provider, Token: usdcA.Token, TxType: state.TxWithdrawal, Amount: 100, Recipient: "0xdest",
	})
	require.NoError(t, err)

	// Stale by updated_at, but the call could still be mined.
	f.clock = f.clock.Add(pending.DefaultConfig().CallDeadline / 2)
	n, err := f.tracker.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(900), f.balance(t).AvailableBalance)

	f.clock = f.clock.Add(pending.DefaultConfig().CallDeadline)
	n, err = f.tracker.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, call.Deadline.Before(f.clock), "expired only after the handed-out call lapsed")
	assert.Equal(t, int64(1000), f.balance(t).AvailableBalance)

	// A late confirmation of a lapsed call cannot reopen the reservation.
	_, err = f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: tx.ID, ChainTxID: "0xlate", Status: state.TxConfirmed})
	assert.ErrorIs(t, err, state.ErrInvalidStatusTransition)
	b := f.balance(t)
	assert.Equal(t, int64(1000), b.TotalDeposited)
	assert.Equal(t, int64(1000), b.AvailableBalance)
}

// flakyLedger fails the next n credits.
type flakyLedger struct {
	*ledger.ProviderLedger
	n int
}

func (l *flakyLedger) Credit(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error) {
	if l.n > 0 {
		l.n--
		return nil, errors.New("store unavailable")
	}
	return l.ProviderLedger.Credit(ctx, key, amount, dedupKey)
}

func TestTracker_RedeliveryCompletesFinalization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyLedger{ProviderLedger: f.ledger, n: 1}
	f.tracker = pending.NewTracker(f.store, flaky, chain.NewBuilder("0xpool"), pending.Config{MaxRetries: 3}, zerolog.Nop()).
		WithClock(func() time.Time { return f.clock })

	tx := f.create(t, state.TxDeposit, 1000)
	outcome := pending.Outcome{PendingID: tx.ID, ChainTxID: "0xdep", Status: state.TxConfirmed}

	_, err := f.tracker.ApplyOutcome(ctx, outcome)
	require.Error(t, err)
	got, err := f.tracker.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TxConfirmed, got.Status)
	assert.False(t, got.Finalized)

	res, err := f.tracker.ApplyOutcome(ctx, outcome)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Finalized, "the redelivery finished the ledger follow-up")
	assert.True(t, res.Tx.Finalized)
	assert.Equal(t, int64(1000), f.balance(t).AvailableBalance)

	res, err = f.tracker.ApplyOutcome(ctx, outcome)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Finalized)
	assert.Equal(t, int64(1000), f.balance(t).AvailableBalance)
}

func TestTracker_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []pending.Request{
		{Provider: "", Token: "USDC", TxType: state.TxDeposit, Amount: 1},
		{Provider: "p", Token: "USDC", TxType: state.TxDeposit, Amount: 0},
		{Provider: "p", Token: "USDC", TxType: state.TxWithdrawal, Amount: 1},
		{Provider: "p", Token: "USDC", TxType: "SWAP", Amount: 1},
	}
	for _, req := range cases {
		_, _, err := f.tracker.Create(ctx, req)
		assert.ErrorIs(t, err, state.ErrInvalidArgument, "%+v", req)
	}

	_, err := f.tracker.ApplyOutcome(ctx, pending.Outcome{PendingID: uuid.New(), Status: state.TxSubmitted})
	assert.ErrorIs(t, err, state.ErrInvalidArgument)
}

func TestTracker_FixedClockStampsTimes(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)
	f.tracker.WithClock(testutil.FixedClock(ts))

	tx := f.create(t, state.TxDeposit, 10)
	assert.Equal(t, ts, tx.CreatedAt)
	assert.Equal(t, ts.Add(pending.DefaultConfig().CallDeadline), tx.Payload.(state.DepositPayload).Deadline)
}

func TestTracker_ListByProvider(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 500)
	f.create(t, state.TxDeposit, 100)
	f.create(t, state.TxWithdrawal, 50)

	txs, err := f.tracker.ListByProvider(context.Background(), usdcA.Provider)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	none, err := f.tracker.ListByProvider(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Empty(t, none)
}
