package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PoolLedger/internal/chain"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// Ledger is the set of balance operations the tracker drives.
type Ledger interface {
	Credit(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	ReserveWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	ReleaseWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	SettleWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	ReservePremiumWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	ConfirmPremiumWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
	ReleasePremiumWithdrawal(ctx context.Context, key state.BalanceKey, amount int64, dedupKey string) (*state.ProviderBalance, error)
}

// TxStore persists pending transactions and the permanent log.
type TxStore interface {
	InsertPending(ctx context.Context, tx *state.PendingPoolTransaction) error
	GetPending(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, error)
	UpdatePending(ctx context.Context, id uuid.UUID, fn func(tx *state.PendingPoolTransaction) error) (*state.PendingPoolTransaction, error)
	ListPending(ctx context.Context, filter persistence.PendingFilter) ([]*state.PendingPoolTransaction, error)
	AppendPoolTransaction(ctx context.Context, ptx *state.PoolTransaction) (bool, error)
}

type Config struct {
	MaxRetries   int
	CallDeadline time.Duration // Deadline stamped on each call attempt
}

func DefaultConfig() Config {
	return Config{MaxRetries: 3, CallDeadline: 10 * time.Minute}
}

// Request opens a new pending transaction.
type Request struct {
	Provider  string
	Token     string
	TxType    state.TxType
	Amount    int64
	Recipient string
}

// Outcome is a terminal result reported for a pending transaction.
type Outcome struct {
	PendingID   uuid.UUID
	ChainTxID   string
	Status      state.TxStatus
	BlockHeight int64
	Error       string
}

// Result reports what ApplyOutcome did.
type Result struct {
	Tx        *state.PendingPoolTransaction
	Duplicate bool // Outcome had already been recorded
	Finalized bool // This call completed the ledger follow-up
}

var errUnchanged = errors.New("unchanged")

// Tracker runs the pending transaction state machine:
//
//	PENDING -> SUBMITTED -> CONFIRMED | FAILED
//	PENDING -> CONFIRMED | FAILED
//	FAILED  -> PENDING (retry, bounded)
//
// Balance reservations are taken on create and retry and are settled or
// released when a terminal outcome is finalized. Operations on the same
// (provider, token) are serialized in-process.
type Tracker struct {
	store   TxStore
	ledger  Ledger
	builder *chain.Builder
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	locks   *xsync.Map[state.BalanceKey, *sync.Mutex]
}

func NewTracker(store TxStore, ledger Ledger, builder *chain.Builder, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.CallDeadline <= 0 {
		cfg.CallDeadline = DefaultConfig().CallDeadline
	}
	return &Tracker{
		store:   store,
		ledger:  ledger,
		builder: builder,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		locks:   xsync.NewMap[state.BalanceKey, *sync.Mutex](),
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) lock(key state.BalanceKey) func() {
	mu, _ := t.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Create reserves the balance the transaction needs, records it as PENDING
// and returns the call to broadcast. Deposits reserve nothing.
func (t *Tracker) Create(ctx context.Context, req Request) (*state.PendingPoolTransaction, *chain.CallDescriptor, error) {
	now := t.now().UTC()
	payload, err := state.NewPayload(req.TxType, req.Provider, req.Token, req.Amount, req.Recipient, now.Add(t.cfg.CallDeadline))
	if err != nil {
		return nil, nil, err
	}
	tx := &state.PendingPoolTransaction{
		ID:        uuid.New(),
		Provider:  req.Provider,
		Token:     req.Token,
		TxType:    req.TxType,
		Amount:    req.Amount,
		Status:    state.TxPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	call, err := t.builder.Build(tx)
	if err != nil {
		return nil, nil, err
	}

	defer t.lock(tx.BalanceKey())()

	if err := t.reserve(ctx, tx); err != nil {
		return nil, nil, err
	}
	if err := t.store.InsertPending(ctx, tx); err != nil {
		if relErr := t.release(ctx, tx); relErr != nil {
			t.logger.Error().Err(relErr).Str("pending_id", tx.ID.String()).Msg("failed to release reservation after insert error")
		}
		return nil, nil, fmt.Errorf("record pending transaction: %w", err)
	}

	t.logger.Info().
		Str("pending_id", tx.ID.String()).
		Str("provider", tx.Provider).
		Str("token", tx.Token).
		Str("type", string(tx.TxType)).
		Int64("amount", tx.Amount).
		Msg("pending transaction created")
	return tx, call, nil
}

// MarkSubmitted records that the call was broadcast. Repeating it with the
// same chain tx id is a no-op.
func (t *Tracker) MarkSubmitted(ctx context.Context, id uuid.UUID, chainTxID string) (*state.PendingPoolTransaction, error) {
	if chainTxID == "" {
		return nil, fmt.Errorf("%w: chain tx id required", state.ErrInvalidArgument)
	}
	tx, err := t.store.UpdatePending(ctx, id, func(tx *state.PendingPoolTransaction) error {
		if tx.Status == state.TxSubmitted && tx.ChainTxID == chainTxID {
			return errUnchanged
		}
		if tx.Status != state.TxPending {
			return fmt.Errorf("%w: cannot submit transaction in %s", state.ErrInvalidStatusTransition, tx.Status)
		}
		now := t.now().UTC()
		tx.Status = state.TxSubmitted
		tx.ChainTxID = chainTxID
		tx.SubmittedAt = &now
		tx.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return t.store.GetPending(ctx, id)
	}
	return tx, err
}

// ApplyOutcome moves a transaction to CONFIRMED or FAILED and finalizes the
// ledger follow-up. Replaying the same outcome is a no-op except that an
// unfinished finalization is completed. A conflicting outcome is rejected.
func (t *Tracker) ApplyOutcome(ctx context.Context, o Outcome) (*Result, error) {
	if !o.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: outcome status must be CONFIRMED or FAILED, got %s", state.ErrInvalidArgument, o.Status)
	}
	if o.Status == state.TxConfirmed && o.ChainTxID == "" {
		return nil, fmt.Errorf("%w: confirmed outcome requires chain tx id", state.ErrInvalidArgument)
	}
	current, err := t.store.GetPending(ctx, o.PendingID)
	if err != nil {
		return nil, err
	}

	defer t.lock(current.BalanceKey())()

	duplicate := false
	tx, err := t.store.UpdatePending(ctx, o.PendingID, func(tx *state.PendingPoolTransaction) error {
		if tx.ChainTxID != "" && o.ChainTxID != "" && tx.ChainTxID != o.ChainTxID {
			return fmt.Errorf("%w: outcome for chain tx %s does not match recorded %s",
				state.ErrInvalidStatusTransition, o.ChainTxID, tx.ChainTxID)
		}
		if tx.Status == o.Status {
			duplicate = true
			return errUnchanged
		}
		if err := state.CheckTxTransition(tx.Status, o.Status); err != nil {
			return err
		}
		tx.Status = o.Status
		if tx.ChainTxID == "" {
			tx.ChainTxID = o.ChainTxID
		}
		tx.BlockHeight = o.BlockHeight
		tx.Error = o.Error
		tx.Finalized = false
		tx.UpdatedAt = t.now().UTC()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		tx, err = t.store.GetPending(ctx, o.PendingID)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Duplicate: duplicate}
	if !tx.Finalized {
		if tx, err = t.finalize(ctx, tx); err != nil {
			return nil, err
		}
		res.Finalized = true
	}
	res.Tx = tx
	return res, nil
}

// finalize applies the ledger effect of a terminal status, appends the log
// row and marks the transaction finalized. Every step is keyed by attempt so
// it can be re-run after a partial failure.
func (t *Tracker) finalize(ctx context.Context, tx *state.PendingPoolTransaction) (*state.PendingPoolTransaction, error) {
	key := tx.BalanceKey()
	switch tx.Status {
	case state.TxConfirmed:
		var err error
		switch tx.TxType {
		case state.TxDeposit:
			_, err = t.ledger.Credit(ctx, key, tx.Amount, tx.DedupKey("confirm"))
		case state.TxWithdrawal:
			_, err = t.ledger.SettleWithdrawal(ctx, key, tx.Amount, tx.DedupKey("confirm"))
		case state.TxPremiumWithdrawal:
			_, err = t.ledger.ConfirmPremiumWithdrawal(ctx, key, tx.Amount, tx.DedupKey("confirm"))
		}
		if err != nil {
			return nil, fmt.Errorf("finalize confirmed %s: %w", tx.ID, err)
		}
	case state.TxFailed:
		if err := t.release(ctx, tx); err != nil {
			return nil, fmt.Errorf("finalize failed %s: %w", tx.ID, err)
		}
	default:
		return nil, fmt.Errorf("%w: cannot finalize transaction in %s", state.ErrInvalidStatusTransition, tx.Status)
	}

	if _, err := t.store.AppendPoolTransaction(ctx, &state.PoolTransaction{
		ID:          state.PoolTransactionID(tx.ID, tx.Attempt()),
		PendingID:   tx.ID,
		Provider:    tx.Provider,
		Token:       tx.Token,
		TxType:      tx.TxType,
		Amount:      tx.Amount,
		Status:      tx.Status,
		ChainTxID:   tx.ChainTxID,
		BlockHeight: tx.BlockHeight,
		Description: describe(tx),
		CreatedAt:   t.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("append pool transaction %s: %w", tx.ID, err)
	}

	status, attempt := tx.Status, tx.RetryCount
	done, err := t.store.UpdatePending(ctx, tx.ID, func(cur *state.PendingPoolTransaction) error {
		if cur.Status != status || cur.RetryCount != attempt {
			return fmt.Errorf("%w: transaction %s changed during finalization", state.ErrInvalidStatusTransition, tx.ID)
		}
		cur.Finalized = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("pending_id", tx.ID.String()).
		Str("status", string(tx.Status)).
		Str("chain_tx_id", tx.ChainTxID).
		Int("attempt", attempt).
		Msg("pending transaction finalized")
	return done, nil
}

// Retry moves a FAILED transaction back to PENDING with a fresh call, taking
// the reservation again. After MaxRetries the transaction is flagged for
// manual intervention and ErrRetryLimitExceeded is returned.
func (t *Tracker) Retry(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, *chain.CallDescriptor, error) {
	current, err := t.store.GetPending(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	defer t.lock(current.BalanceKey())()

	if current.Status != state.TxFailed {
		return nil, nil, fmt.Errorf("%w: only FAILED transactions can be retried, %s is %s",
			state.ErrInvalidStatusTransition, id, current.Status)
	}
	if !current.Finalized {
		if current, err = t.finalize(ctx, current); err != nil {
			return nil, nil, err
		}
	}

	if current.RetryCount >= t.cfg.MaxRetries {
		if _, err := t.store.UpdatePending(ctx, id, func(tx *state.PendingPoolTransaction) error {
			tx.ManualIntervention = true
			tx.UpdatedAt = t.now().UTC()
			return nil
		}); err != nil {
			return nil, nil, err
		}
		t.logger.Warn().Str("pending_id", id.String()).Int("retries", current.RetryCount).Msg("retry limit reached, manual intervention required")
		return nil, nil, fmt.Errorf("transaction %s after %d retries: %w", id, current.RetryCount, state.ErrRetryLimitExceeded)
	}

	now := t.now().UTC()
	payload, err := state.Regenerate(current.Payload, now.Add(t.cfg.CallDeadline))
	if err != nil {
		return nil, nil, err
	}
	next := current.Clone()
	next.RetryCount++
	next.Status = state.TxPending
	next.Payload = payload
	next.ChainTxID = ""
	next.BlockHeight = 0
	next.Error = ""
	next.Finalized = false
	next.SubmittedAt = nil
	next.UpdatedAt = now

	if err := t.reserve(ctx, next); err != nil {
		return nil, nil, err
	}
	attempt := current.RetryCount
	tx, err := t.store.UpdatePending(ctx, id, func(tx *state.PendingPoolTransaction) error {
		if tx.Status != state.TxFailed || tx.RetryCount != attempt {
			return fmt.Errorf("%w: transaction %s changed during retry", state.ErrInvalidStatusTransition, id)
		}
		*tx = *next.Clone()
		return nil
	})
	if err != nil {
		if relErr := t.release(ctx, next); relErr != nil {
			t.logger.Error().Err(relErr).Str("pending_id", id.String()).Msg("failed to release retry reservation")
		}
		return nil, nil, err
	}

	call, err := t.builder.Build(tx)
	if err != nil {
		return nil, nil, err
	}
	t.logger.Info().Str("pending_id", id.String()).Int("attempt", tx.RetryCount).Msg("pending transaction retried")
	return tx, call, nil
}

// ExpireStale fails PENDING transactions that have not been submitted for
// longer than timeout and releases their reservations. A transaction whose
// call deadline has not passed yet is left alone, since the call it handed
// out could still land on chain.
func (t *Tracker) ExpireStale(ctx context.Context, timeout time.Duration) (int, error) {
	stale, err := t.store.ListPending(ctx, persistence.PendingFilter{
		Status:        state.TxPending,
		UpdatedBefore: t.now().Add(-timeout),
	})
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, tx := range stale {
		if err := t.expire(ctx, tx, timeout); err != nil {
			if !errors.Is(err, errUnchanged) {
				errs = append(errs, err)
			}
			continue
		}
		expired++
	}
	if expired > 0 {
		t.logger.Info().Int("expired", expired).Dur("timeout", timeout).Msg("stale pending transactions expired")
	}
	return expired, errors.Join(errs...)
}

func (t *Tracker) expire(ctx context.Context, stale *state.PendingPoolTransaction, timeout time.Duration) error {
	defer t.lock(stale.BalanceKey())()

	tx, err := t.store.UpdatePending(ctx, stale.ID, func(tx *state.PendingPoolTransaction) error {
		// Submitted in the meantime; the chain outcome will decide it.
		if tx.Status != state.TxPending {
			return errUnchanged
		}
		if deadline := state.CallDeadline(tx.Payload); !deadline.IsZero() && t.now().Before(deadline) {
			return errUnchanged
		}
		tx.Status = state.TxFailed
		tx.Error = fmt.Sprintf("not submitted within %s", timeout)
		tx.Finalized = false
		tx.UpdatedAt = t.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	_, err = t.finalize(ctx, tx)
	return err
}

func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, error) {
	return t.store.GetPending(ctx, id)
}

func (t *Tracker) List(ctx context.Context, filter persistence.PendingFilter) ([]*state.PendingPoolTransaction, error) {
	return t.store.ListPending(ctx, filter)
}

// ListByProvider returns every pending transaction of a provider.
func (t *Tracker) ListByProvider(ctx context.Context, provider string) ([]*state.PendingPoolTransaction, error) {
	return t.store.ListPending(ctx, persistence.PendingFilter{Provider: provider})
}

func (t *Tracker) reserve(ctx context.Context, tx *state.PendingPoolTransaction) error {
	var err error
	switch tx.TxType {
	case state.TxWithdrawal:
		_, err = t.ledger.ReserveWithdrawal(ctx, tx.BalanceKey(), tx.Amount, tx.DedupKey("reserve"))
	case state.TxPremiumWithdrawal:
		_, err = t.ledger.ReservePremiumWithdrawal(ctx, tx.BalanceKey(), tx.Amount, tx.DedupKey("reserve"))
	}
	return err
}

func (t *Tracker) release(ctx context.Context, tx *state.PendingPoolTransaction) error {
	var err error
	switch tx.TxType {
	case state.TxWithdrawal:
		_, err = t.ledger.ReleaseWithdrawal(ctx, tx.BalanceKey(), tx.Amount, tx.DedupKey("release"))
	case state.TxPremiumWithdrawal:
		_, err = t.ledger.ReleasePremiumWithdrawal(ctx, tx.BalanceKey(), tx.Amount, tx.DedupKey("release"))
	}
	return err
}

func describe(tx *state.PendingPoolTransaction) string {
	verb := map[state.TxType]string{
		state.TxDeposit:           "deposit",
		state.TxWithdrawal:        "withdrawal",
		state.TxPremiumWithdrawal: "premium withdrawal",
	}[tx.TxType]
	if tx.Status == state.TxFailed {
		return fmt.Sprintf("%s of %d %s failed (attempt %d): %s", verb, tx.Amount, tx.Token, tx.Attempt(), tx.Error)
	}
	return fmt.Sprintf("%s of %d %s confirmed at block %d", verb, tx.Amount, tx.Token, tx.BlockHeight)
}
