package core

import (
	"context"
	"time"

	"PoolLedger/internal/state"
)

type EventType string

const (
	EventAllocationCreated    EventType = "allocation.created"
	EventAllocationReleased   EventType = "allocation.released"
	EventTransactionPending   EventType = "transaction.pending"
	EventTransactionSubmitted EventType = "transaction.submitted"
	EventTransactionFinalized EventType = "transaction.finalized"
	EventSettlementApplied    EventType = "settlement.applied"
	EventPremiumDistributed   EventType = "premium.distributed"
	EventMetricsSnapshot      EventType = "metrics.snapshot"
)

// Event is an outbound notification of a committed state change. ID is
// stable for the change, so redelivery can be deduplicated downstream.
type Event struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// EventSink receives outbound events. Publishing is best effort: a failure
// is logged and counted, never returned to the caller of the operation.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// StatusNotifier pushes pending transaction status to the provider.
type StatusNotifier interface {
	NotifyTransaction(ctx context.Context, tx *state.PendingPoolTransaction) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }

type nopNotifier struct{}

func (nopNotifier) NotifyTransaction(context.Context, *state.PendingPoolTransaction) error {
	return nil
}
