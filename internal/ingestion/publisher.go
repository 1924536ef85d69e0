package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	outboundStream        = "POOL_LEDGER_EVENTS"
	outboundSubjectPrefix = "pool.ledger.events."
)

// JetStreamPublisher is the publishing subset of jetstream.JetStream.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed ledger events to NATS for
// downstream consumers. Subjects follow pool.ledger.events.{event_type}.
// The event ID is sent as the JetStream message ID, so a republished event
// is dropped by the stream's duplicate window.
type OutboundPublisher struct {
	js      JetStreamPublisher
	timeout time.Duration
}

var _ core.EventSink = (*OutboundPublisher)(nil)

func NewOutboundPublisher(js JetStreamPublisher) *OutboundPublisher {
	return &OutboundPublisher{js: js, timeout: 5 * time.Second}
}

// Subject returns the outbound subject for an event type.
func Subject(t core.EventType) string {
	return outboundSubjectPrefix + strings.ReplaceAll(string(t), ".", "_")
}

func (op *OutboundPublisher) Publish(ctx context.Context, evt core.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	if _, err := op.js.Publish(ctx, Subject(evt.Type), data, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       outboundStream,
		Subjects:   []string{outboundSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}
