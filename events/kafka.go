// Package events forwards settlement events to Kafka for consumers outside
// the settlement core, such as notifications and reporting.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"carflow/outbox"
)

// Writer is the part of *kafka.Writer the forwarder uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder republishes outbox messages to Kafka, keyed by aggregate id so
// events of one auction, escrow or dispute stay ordered within a partition.
type Forwarder struct {
	writer      Writer
	topicPrefix string
	logger      *slog.Logger
}

// NewKafkaWriter builds a writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("events: kafka forwarder requires at least one broker")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}, nil
}

func NewForwarder(w Writer, topicPrefix string) *Forwarder {
	return &Forwarder{writer: w, topicPrefix: topicPrefix, logger: slog.Default()}
}

func (f *Forwarder) WithLogger(l *slog.Logger) *Forwarder {
	if l != nil {
		f.logger = l
	}
	return f
}

// Register subscribes the forwarder to topics on the relay.
func (f *Forwarder) Register(relay *outbox.Relay, topics ...string) {
	for _, topic := range topics {
		relay.Subscribe(topic, f.Forward)
	}
}

// Forward writes one message. A failed write is retried by the relay, so
// consumers must tolerate duplicates; the message id travels as a header for
// that purpose.
func (f *Forwarder) Forward(ctx context.Context, msg outbox.Message) error {
	err := f.writer.WriteMessages(ctx, kafka.Message{
		Topic: f.kafkaTopic(msg.Topic),
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "message-id", Value: []byte(msg.ID)},
			{Key: "event-type", Value: []byte(msg.Topic)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: forward %s %s: %w", msg.Topic, msg.ID, err)
	}
	f.logger.Debug("event forwarded", slog.String("topic", msg.Topic), slog.String("key", msg.Key))
	return nil
}

func (f *Forwarder) Close() error {
	return f.writer.Close()
}

func (f *Forwarder) kafkaTopic(eventType string) string {
	if f.topicPrefix == "" {
		return eventType
	}
	return strings.TrimSuffix(f.topicPrefix, ".") + "." + eventType
}
