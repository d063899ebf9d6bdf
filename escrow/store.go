package escrow

import (
	"context"

	"carflow/failure"
	"carflow/outbox"
)

var (
	ErrNotFound  = failure.New(failure.KindNotFound, "escrow: not found")
	ErrDuplicate = failure.New(failure.KindConflict, "escrow: already exists")
)

// Mutation is the result of one exclusive step on an escrow. Escrow holds the
// new state; its Audit field is ignored and Audit entries are appended
// instead. The store commits all of it or none of it.
type Mutation struct {
	Escrow Escrow
	Audit  []AuditEntry
	Events []outbox.Message
}

// ApplyFunc inspects the current escrow and returns the change to commit. A
// nil mutation commits nothing.
type ApplyFunc func(current Escrow) (*Mutation, error)

// Store persists escrows with their conditions and audit logs.
type Store interface {
	// Create inserts e with its initial audit entries and events. It returns
	// ErrDuplicate when the id or a non-empty SourceRef is taken.
	Create(ctx context.Context, e Escrow, events []outbox.Message) error
	Get(ctx context.Context, id string) (Escrow, error)
	GetBySource(ctx context.Context, sourceRef string) (Escrow, error)
	// Apply runs fn with exclusive access to the escrow and commits its
	// mutation atomically. It returns the escrow as committed.
	Apply(ctx context.Context, id string, fn ApplyFunc) (Escrow, error)
}
