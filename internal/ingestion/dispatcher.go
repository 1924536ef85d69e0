package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/allocation"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pending"
	"PoolLedger/internal/premium"
	"PoolLedger/internal/settlement"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler is the part of the ledger service inbound messages drive.
type Handler interface {
	ReportTransactionOutcome(ctx context.Context, o pending.Outcome) (*pending.Result, error)
	SubmitTransaction(ctx context.Context, id uuid.UUID, chainTxID string) (*state.PendingPoolTransaction, error)
	ProcessClaimSettlement(ctx context.Context, claim settlement.Claim) (*settlement.Result, error)
	CreateAllocation(ctx context.Context, policyID string, required int64, token string) (*allocation.Result, error)
	DistributePolicyPremium(ctx context.Context, policyID string, amount int64, token string) (*premium.Result, error)
	ReleasePolicy(ctx context.Context, policyID string, status state.AllocationStatus) ([]*state.PolicyAllocation, error)
}

// Disposition is what to do with a message after handling it.
type Disposition int

const (
	Ack  Disposition = iota // Done, or a duplicate
	Nak                     // Transient failure, redeliver
	Term                    // Will never succeed, stop redelivering
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// Dispatcher applies inbound messages to the ledger and decides their
// redelivery. Domain rejections are terminal; store or ledger failures and
// incomplete settlements are redelivered, which resumes them.
type Dispatcher struct {
	handler Handler
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(handler Handler, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{handler: handler, metrics: metrics, logger: logger}
}

// Run drains msgs until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			switch d.Dispatch(ctx, msg) {
			case Ack:
				msg.ack()
			case Nak:
				msg.nak()
			case Term:
				msg.term()
			}
		}
	}
}

// Dispatch handles one message and returns its disposition.
func (d *Dispatcher) Dispatch(ctx context.Context, msg RawMessage) Disposition {
	start := time.Now()
	log := d.logger.With().Str("subject", msg.Subject).Str("kind", string(msg.Kind)).Logger()

	cmd, err := ParseMessage(msg.Kind, msg.Data)
	if err != nil {
		log.Error().Err(err).Msg("dropping unparseable message")
		return d.done(msg, Term, start)
	}

	if err := d.apply(ctx, cmd); err != nil {
		disp := classify(err)
		ev := log.Warn()
		if disp == Nak {
			ev = log.Error()
		}
		ev.Err(err).Str("disposition", disp.String()).Msg("message handling failed")
		return d.done(msg, disp, start)
	}
	return d.done(msg, Ack, start)
}

func (d *Dispatcher) apply(ctx context.Context, cmd any) error {
	var err error
	switch c := cmd.(type) {
	case pending.Outcome:
		_, err = d.handler.ReportTransactionOutcome(ctx, c)
	case Submitted:
		_, err = d.handler.SubmitTransaction(ctx, c.PendingID, c.ChainTxID)
	case settlement.Claim:
		_, err = d.handler.ProcessClaimSettlement(ctx, c)
	case PolicyCreated:
		_, err = d.handler.CreateAllocation(ctx, c.PolicyID, c.RequiredCapital, c.Token)
	case PremiumPaid:
		_, err = d.handler.DistributePolicyPremium(ctx, c.PolicyID, c.Amount, c.Token)
		if errors.Is(err, state.ErrNoUndistributedAllocations) {
			err = nil
		}
	case PolicyReleased:
		_, err = d.handler.ReleasePolicy(ctx, c.PolicyID, c.Status)
	default:
		err = fmt.Errorf("%w: unhandled command %T", state.ErrInvalidArgument, cmd)
	}
	return err
}

// classify maps a handler error to a disposition.
func classify(err error) Disposition {
	switch {
	case errors.Is(err, state.ErrSettlementIncomplete):
		return Nak
	case errors.Is(err, state.ErrInvalidArgument),
		errors.Is(err, state.ErrNotFound),
		errors.Is(err, state.ErrAlreadyExists),
		errors.Is(err, state.ErrInvalidStatusTransition),
		errors.Is(err, state.ErrInsufficientPoolLiquidity),
		errors.Is(err, state.ErrInsufficientBalance),
		errors.Is(err, state.ErrSettlementVerificationFailed),
		errors.Is(err, state.ErrRetryLimitExceeded),
		errors.Is(err, state.ErrNoActiveAllocations):
		return Term
	}
	return Nak
}

func (d *Dispatcher) done(msg RawMessage, disp Disposition, start time.Time) Disposition {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(string(msg.Kind), disp.String()).Inc()
		d.metrics.IngestDuration.WithLabelValues(string(msg.Kind)).Observe(time.Since(start).Seconds())
	}
	return disp
}
