package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes the pool's inbound JetStream subjects and feeds
// messages to the dispatcher through msgChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawMessage is an inbound message tagged with its kind, not yet parsed.
type RawMessage struct {
	Subject   string
	Kind      MessageKind
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Processed, or a duplicate
	NakFunc   func() // Redeliver
	TermFunc  func() // Never redeliver
}

func (m RawMessage) ack() {
	if m.AckFunc != nil {
		m.AckFunc()
	}
}

func (m RawMessage) nak() {
	if m.NakFunc != nil {
		m.NakFunc()
	}
}

func (m RawMessage) term() {
	if m.TermFunc != nil {
		m.TermFunc()
	}
}

// SubjectConfig maps a subject filter to a message kind and durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         MessageKind
	ConsumerName string
	StreamName   string
}

const (
	streamChain    = "POOL_CHAIN"
	streamClaims   = "POOL_CLAIMS"
	streamPolicies = "POOL_POLICIES"
)

// DefaultSubjects returns the standard inbound subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "pool.chain.outcomes.>", Kind: KindChainOutcome, ConsumerName: "ledger-chain-outcomes", StreamName: streamChain},
		{Subject: "pool.chain.submitted.>", Kind: KindChainSubmitted, ConsumerName: "ledger-chain-submitted", StreamName: streamChain},
		{Subject: "pool.claims.settled.>", Kind: KindClaimSettled, ConsumerName: "ledger-claims-settled", StreamName: streamClaims},
		{Subject: "pool.policies.created.>", Kind: KindPolicyCreated, ConsumerName: "ledger-policy-created", StreamName: streamPolicies},
		{Subject: "pool.policies.premium.>", Kind: KindPremiumPaid, ConsumerName: "ledger-policy-premium", StreamName: streamPolicies},
		{Subject: "pool.policies.released.>", Kind: KindPolicyReleased, ConsumerName: "ledger-policy-released", StreamName: streamPolicies},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		msgChan: msgChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=10, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    10,
			BackOff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: streamChain, Subjects: []string{"pool.chain.>"}},
		{Name: streamClaims, Subjects: []string{"pool.claims.>"}},
		{Name: streamPolicies, Subjects: []string{"pool.policies.>"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("poolledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
