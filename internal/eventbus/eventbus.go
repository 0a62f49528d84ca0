// Package eventbus fans stored events out to downstream consumers. Publishing
// is best-effort: the Postgres event log is the record of truth and a failed
// publish never fails the request that produced the event.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/tabi/internal/model"
)

// Publisher delivers events to a downstream bus.
type Publisher interface {
	Publish(ctx context.Context, events ...model.Event) error
	Close() error
}

// Nop discards every event. It is used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, ...model.Event) error { return nil }
func (Nop) Close() error                                  { return nil }

// kafkaWriter is the subset of *kafka.Writer the publisher uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds one WriteMessages call. Zero uses 5s.
	WriteTimeout time.Duration
}

// KafkaPublisher writes events as JSON messages keyed by session id, so one
// session's events land on one partition in order.
type KafkaPublisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher. Broker entries are trimmed and empty
// ones dropped.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("eventbus: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("eventbus: kafka topic required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, timeout: timeout}, nil
}

// Publish writes events in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...model.Event) error {
	if p == nil || p.writer == nil {
		return errors.New("eventbus: publisher not initialized")
	}
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		m, err := message(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("eventbus: write %d messages: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func message(e model.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("eventbus: encode %s: %w", e.EventID, err)
	}
	key := e.EventID
	if e.SessionID != nil && *e.SessionID != "" {
		key = *e.SessionID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
		},
	}, nil
}
