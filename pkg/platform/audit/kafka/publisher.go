// Package kafka publishes audit events to a Kafka-compatible broker with
// at-least-once delivery. Events are keyed by agent id so one agent's trail
// stays ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	dErrors "aport/pkg/domain-errors"
	audit "aport/pkg/platform/audit"
)

const (
	// DefaultTopic is where decision events land unless configured otherwise.
	DefaultTopic = "aport.audit.decisions"

	defaultEmitTimeout = 5 * time.Second
)

// Publisher writes audit events to a topic. Emit blocks until the broker
// acknowledges the write or the timeout fires, so a healthy broker gives
// at-least-once delivery without an unbounded in-process buffer.
type Publisher struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithTopic overrides the destination topic.
func WithTopic(topic string) Option {
	return func(p *Publisher) { p.topic = topic }
}

// WithEmitTimeout bounds how long Emit may block on the broker.
func WithEmitTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// WithLogger sets a logger for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// New connects to the brokers and ensures the topic exists. Topic creation is
// idempotent; an already-exists response is not an error.
func New(ctx context.Context, brokers []string, opts ...Option) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one broker is required")
	}

	p := &Publisher{
		topic:   DefaultTopic,
		timeout: defaultEmitTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "connect to kafka")
	}
	p.client = client

	if err := p.ensureTopic(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureTopic(ctx context.Context) error {
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopics(ctx, 3, 1, nil, p.topic)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "create audit topic")
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return dErrors.Wrapf(res.Err, dErrors.CodeInternal, "create audit topic %s", res.Topic)
		}
	}
	return nil
}

// Emit produces one event and waits for the broker ack.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "marshal audit event")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.AgentID),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.logger.ErrorContext(ctx, "audit event delivery failed",
			"topic", p.topic,
			"decision_id", event.DecisionID.String(),
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeInternal, "produce audit event")
	}
	return nil
}

// Close flushes outstanding records and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}
