// Package escrow holds buyer funds between an auction and its settlement.
//
// Every status transition and its audit entry are committed together by
// Store.Apply. The payment rail is told about funding, release and refund only
// after the commit; its failures are logged and never undo the transition.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"carflow/failure"
	"carflow/money"
	"carflow/outbox"
)

var (
	ErrInvalidEscrow    = failure.New(failure.KindValidation, "escrow: invalid escrow")
	ErrInvalidDirective = failure.New(failure.KindValidation, "escrow: invalid directive")
	ErrUnknownCondition = failure.New(failure.KindValidation, "escrow: unknown condition")
	ErrAlreadyFunded    = failure.New(failure.KindPrecondition, "escrow: already funded")
	ErrNotFunded        = failure.New(failure.KindPrecondition, "escrow: not funded")
	ErrAlreadyHeld      = failure.New(failure.KindPrecondition, "escrow: already held by a dispute")
	ErrOnHold           = failure.New(failure.KindPrecondition, "escrow: on hold")
	ErrConditionsUnmet  = failure.New(failure.KindPrecondition, "escrow: release conditions not met")
	ErrAlreadySettled   = failure.New(failure.KindPrecondition, "escrow: already settled")
)

// SystemActor is recorded for transitions without a human actor.
const SystemActor = "system"

type Service struct {
	store       Store
	rail        PaymentRail
	now         func() time.Time
	idGenerator func() string
	logger      *slog.Logger
}

// NewService builds the engine. A nil rail is replaced by a rail that
// accepts every instruction.
func NewService(store Store, rail PaymentRail) *Service {
	if rail == nil {
		rail = noRail{}
	}
	return &Service{
		store:       store,
		rail:        rail,
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
		logger:      slog.Default(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// OpenParams describes a new escrow obligation.
type OpenParams struct {
	// SourceRef identifies the sale that created the escrow. Opening twice
	// with the same non-empty ref returns the first escrow.
	SourceRef  string
	BuyerID    string
	SellerID   string
	Amount     money.Money
	Conditions []string
	Actor      string
}

// Open creates an escrow in Pending.
func (s *Service) Open(ctx context.Context, params OpenParams) (Escrow, error) {
	buyer := strings.TrimSpace(params.BuyerID)
	seller := strings.TrimSpace(params.SellerID)
	if buyer == "" || seller == "" || buyer == seller {
		return Escrow{}, fmt.Errorf("escrow: open: distinct buyer and seller required: %w", ErrInvalidEscrow)
	}
	if err := params.Amount.Validate(); err != nil {
		return Escrow{}, fmt.Errorf("escrow: open: %w", err)
	}
	conditions, err := buildConditions(params.Conditions)
	if err != nil {
		return Escrow{}, err
	}

	if params.SourceRef != "" {
		existing, err := s.store.GetBySource(ctx, params.SourceRef)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, ErrNotFound):
			return Escrow{}, fmt.Errorf("escrow: open: lookup source %s: %w", params.SourceRef, err)
		}
	}

	actor := params.Actor
	if actor == "" {
		actor = SystemActor
	}
	now := s.now().UTC()
	e := Escrow{
		ID:         s.idGenerator(),
		SourceRef:  params.SourceRef,
		BuyerID:    buyer,
		SellerID:   seller,
		Amount:     params.Amount,
		Status:     StatusPending,
		Conditions: conditions,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.Audit = chain(e.ID, nil, AuditEntry{Actor: actor, Action: ActionOpened, Note: openNote(params.SourceRef), At: now})
	msg, err := s.event(TopicOpened, e, actor, now, "")
	if err != nil {
		return Escrow{}, err
	}

	if err := s.store.Create(ctx, e, []outbox.Message{msg}); err != nil {
		if errors.Is(err, ErrDuplicate) && params.SourceRef != "" {
			// Lost a race with a concurrent open of the same sale.
			existing, getErr := s.store.GetBySource(ctx, params.SourceRef)
			if getErr == nil {
				return existing, nil
			}
		}
		return Escrow{}, fmt.Errorf("escrow: open: %w", err)
	}

	s.logger.Info("escrow opened",
		slog.String("escrow_id", e.ID),
		slog.String("source_ref", e.SourceRef),
		slog.String("amount", e.Amount.String()),
	)
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: get %s: %w", id, err)
	}
	return e, nil
}

func (s *Service) GetBySource(ctx context.Context, sourceRef string) (Escrow, error) {
	e, err := s.store.GetBySource(ctx, sourceRef)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: get by source %s: %w", sourceRef, err)
	}
	return e, nil
}

func buildConditions(names []string) ([]Condition, error) {
	out := make([]Condition, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("escrow: open: empty condition name: %w", ErrInvalidEscrow)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, Condition{Name: n})
	}
	return out, nil
}

func openNote(sourceRef string) string {
	if sourceRef == "" {
		return ""
	}
	return "source " + sourceRef
}

func (s *Service) event(topic string, e Escrow, actor string, now time.Time, clearedDispute string) (outbox.Message, error) {
	msg, err := outbox.NewMessage(topic, e.ID, Event{
		EscrowID:         e.ID,
		SourceRef:        e.SourceRef,
		BuyerID:          e.BuyerID,
		SellerID:         e.SellerID,
		Amount:           e.Amount,
		Status:           e.Status,
		DisputeID:        e.DisputeID,
		Actor:            actor,
		At:               now,
		ClearedDisputeID: clearedDispute,
	}, now)
	if err != nil {
		return outbox.Message{}, fmt.Errorf("escrow: %w", err)
	}
	return msg, nil
}
