package dispute

import (
	"context"
	"time"

	"carflow/failure"
	"carflow/outbox"
)

var (
	ErrNotFound  = failure.New(failure.KindNotFound, "dispute: not found")
	ErrDuplicate = failure.New(failure.KindConflict, "dispute: already exists")
)

// Mutation is the result of one exclusive step on a dispute. Record holds the
// new state; its Votes field is ignored and Vote is appended instead. Message
// is appended to the thread.
type Mutation struct {
	Record  Record
	Vote    *Vote
	Message *Message
	Events  []outbox.Message
}

// ApplyFunc inspects the current dispute and returns the change to commit. A
// nil mutation commits nothing.
type ApplyFunc func(current Record) (*Mutation, error)

// Store persists disputes with their panels and votes.
type Store interface {
	Create(ctx context.Context, rec Record, events []outbox.Message) error
	Get(ctx context.Context, id string) (Record, error)
	// Apply runs fn with exclusive access to the dispute and commits its
	// mutation atomically. It returns the dispute as committed.
	Apply(ctx context.Context, id string, fn ApplyFunc) (Record, error)
	// ListStale returns unresolved disputes filed at or before the cutoff,
	// oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Record, error)
	// Messages returns the dispute's thread in posting order.
	Messages(ctx context.Context, disputeID string) ([]Message, error)
}
