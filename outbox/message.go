// Package outbox is the event log that links the settlement components.
//
// Domain stores append messages in the same commit as the state change that
// produced them; a Relay later delivers each message to its subscribers at
// least once. Subscribers must therefore be idempotent.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message mirrors the outbox table.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Status    Status
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// NewMessage marshals payload into a pending message for topic. Key is the
// id of the aggregate that emitted it.
func NewMessage(topic, key string, payload any, now time.Time) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   body,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("outbox: decode %s %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

// Batch bounds one processing pass.
type Batch struct {
	Limit       int
	MaxAttempts int
}

// Result counts what happened to the messages of one pass.
type Result struct {
	Delivered int
	Retried   int
	Dead      int
}

// Handler consumes one message. A non-nil error schedules a retry.
type Handler func(ctx context.Context, msg Message) error

// Store claims pending messages and records their delivery outcome.
type Store interface {
	// Process hands up to batch.Limit pending messages, oldest first, to
	// handle. Messages claimed by one caller are invisible to concurrent
	// callers until their outcome is recorded. A message whose handler fails
	// batch.MaxAttempts times is marked dead.
	Process(ctx context.Context, batch Batch, handle Handler) (Result, error)
}
