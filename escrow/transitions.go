package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type change struct {
	action Action
	note   string
	// topic is published with the change when set.
	topic string
	// clearedDispute is the dispute whose hold the change removed without
	// arbitration.
	clearedDispute string
}

// apply runs step with exclusive access to the escrow. step edits e in place
// and returns the audit change, or nil when e already is in the requested
// state. The boolean result reports whether anything was committed.
func (s *Service) apply(ctx context.Context, id, actor, op string, step func(e *Escrow) (*change, error)) (Escrow, bool, error) {
	if actor == "" {
		actor = SystemActor
	}
	changed := false
	e, err := s.store.Apply(ctx, id, func(current Escrow) (*Mutation, error) {
		if err := current.VerifyAudit(); err != nil {
			return nil, err
		}
		next := current.Clone()
		c, err := step(&next)
		if err != nil || c == nil {
			return nil, err
		}
		now := s.now().UTC()
		next.UpdatedAt = now
		mut := &Mutation{
			Escrow: next,
			Audit:  chain(current.ID, current.Audit, AuditEntry{Actor: actor, Action: c.action, Note: c.note, At: now}),
		}
		if c.topic != "" {
			msg, err := s.event(c.topic, next, actor, now, c.clearedDispute)
			if err != nil {
				return nil, err
			}
			mut.Events = append(mut.Events, msg)
		}
		changed = true
		return mut, nil
	})
	if err != nil {
		if errors.Is(err, ErrAuditTampered) {
			s.logger.Error("escrow audit chain broken", slog.String("escrow_id", id), slog.String("op", op), slog.Any("error", err))
		}
		return Escrow{}, false, fmt.Errorf("escrow: %s %s: %w", op, id, err)
	}
	return e, changed, nil
}

// RecordFunding marks the buyer's payment as received.
func (s *Service) RecordFunding(ctx context.Context, id, actor string) (Escrow, error) {
	e, changed, err := s.apply(ctx, id, actor, "record funding", func(e *Escrow) (*change, error) {
		if e.Status != StatusPending {
			return nil, ErrAlreadyFunded
		}
		e.Status = StatusFunded
		return &change{action: ActionFunded, topic: TopicFunded}, nil
	})
	if err != nil {
		return Escrow{}, err
	}
	if changed {
		s.notify(ctx, InstructionFunded, e)
	}
	return e, nil
}

// UpdateCondition sets the met flag of a named condition.
func (s *Service) UpdateCondition(ctx context.Context, id, name string, met bool, actor string) (Escrow, error) {
	name = strings.TrimSpace(name)
	if actor == "" {
		actor = SystemActor
	}
	e, _, err := s.apply(ctx, id, actor, "update condition", func(e *Escrow) (*change, error) {
		if e.Status != StatusFunded && e.Status != StatusHeld {
			if e.Status.Terminal() {
				return nil, ErrAlreadySettled
			}
			return nil, ErrNotFunded
		}
		idx := e.conditionIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, name)
		}
		if e.Conditions[idx].Met == met {
			return nil, nil
		}
		e.Conditions[idx].Met = met
		e.Conditions[idx].UpdatedBy = actor
		e.Conditions[idx].UpdatedAt = s.now().UTC()
		return &change{action: ActionConditionUpdated, note: fmt.Sprintf("%s met=%t", name, met)}, nil
	})
	return e, err
}

// Annotate appends a note to the audit log without changing the status.
// Repeating the latest note is a no-op.
func (s *Service) Annotate(ctx context.Context, id, note, actor string) (Escrow, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return Escrow{}, fmt.Errorf("escrow: annotate %s: empty note: %w", id, ErrInvalidEscrow)
	}
	e, _, err := s.apply(ctx, id, actor, "annotate", func(e *Escrow) (*change, error) {
		if n := len(e.Audit); n > 0 && e.Audit[n-1].Action == ActionNoted && e.Audit[n-1].Note == note {
			return nil, nil
		}
		return &change{action: ActionNoted, note: note}, nil
	})
	return e, err
}

// Hold freezes a funded escrow on behalf of a dispute. Holding again for the
// same dispute is a no-op.
func (s *Service) Hold(ctx context.Context, id, disputeID, actor string) (Escrow, error) {
	if disputeID == "" {
		return Escrow{}, fmt.Errorf("escrow: hold %s: dispute id required: %w", id, ErrInvalidEscrow)
	}
	e, changed, err := s.apply(ctx, id, actor, "hold", func(e *Escrow) (*change, error) {
		if e.DisputeID != "" {
			if e.DisputeID == disputeID && e.Status == StatusHeld {
				return nil, nil
			}
			return nil, ErrAlreadyHeld
		}
		if e.Status != StatusFunded {
			return nil, ErrNotFunded
		}
		e.Status = StatusHeld
		e.DisputeID = disputeID
		return &change{action: ActionHeld, note: "dispute " + disputeID, topic: TopicHeld}, nil
	})
	if err != nil {
		return Escrow{}, err
	}
	if changed {
		s.logger.Info("escrow held", slog.String("escrow_id", id), slog.String("dispute_id", disputeID))
	}
	return e, nil
}

// LiftHold returns an escrow held by disputeID to Funded. It undoes a hold
// whose dispute could not be recorded and is a no-op for any other state.
func (s *Service) LiftHold(ctx context.Context, id, disputeID, actor string) (Escrow, error) {
	e, changed, err := s.apply(ctx, id, actor, "lift hold", func(e *Escrow) (*change, error) {
		if e.Status != StatusHeld || e.DisputeID != disputeID {
			return nil, nil
		}
		e.Status = StatusFunded
		e.DisputeID = ""
		return &change{action: ActionHoldLifted, note: "dispute " + disputeID}, nil
	})
	if err != nil {
		return Escrow{}, err
	}
	if changed {
		s.logger.Warn("escrow hold lifted", slog.String("escrow_id", id), slog.String("dispute_id", disputeID))
	}
	return e, nil
}

// Release pays the seller. It requires a funded escrow without a hold and
// with every condition met. Releasing a released escrow is a no-op.
func (s *Service) Release(ctx context.Context, id, actor string) (Escrow, error) {
	e, changed, err := s.apply(ctx, id, actor, "release", func(e *Escrow) (*change, error) {
		switch e.Status {
		case StatusReleased:
			return nil, nil
		case StatusRefunded:
			return nil, ErrAlreadySettled
		case StatusHeld:
			return nil, ErrOnHold
		case StatusPending:
			return nil, ErrNotFunded
		}
		if e.DisputeID != "" {
			return nil, ErrOnHold
		}
		if unmet := e.UnmetConditions(); len(unmet) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrConditionsUnmet, strings.Join(unmet, ", "))
		}
		e.Status = StatusReleased
		return &change{action: ActionReleased, topic: TopicReleased}, nil
	})
	if err != nil {
		return Escrow{}, err
	}
	if changed {
		s.settled(ctx, InstructionRelease, e)
	}
	return e, nil
}

// Refund returns the funds to the buyer, clearing any hold. Refunding a
// refunded escrow is a no-op.
func (s *Service) Refund(ctx context.Context, id, actor string) (Escrow, error) {
	e, changed, err := s.apply(ctx, id, actor, "refund", func(e *Escrow) (*change, error) {
		switch e.Status {
		case StatusRefunded:
			return nil, nil
		case StatusReleased:
			return nil, ErrAlreadySettled
		case StatusPending:
			return nil, ErrNotFunded
		}
		c := &change{action: ActionRefunded, topic: TopicRefunded}
		if e.DisputeID != "" {
			c.note = "hold of dispute " + e.DisputeID + " cleared"
			c.clearedDispute = e.DisputeID
		}
		e.DisputeID = ""
		e.Status = StatusRefunded
		return c, nil
	})
	if err != nil {
		return Escrow{}, err
	}
	if changed {
		s.settled(ctx, InstructionRefund, e)
	}
	return e, nil
}

// ResolveHold applies an arbitration directive. The dispute reference is
// cleared before the terminal transition, and the directive overrides unmet
// release conditions. An escrow already in the directed state is left alone.
func (s *Service) ResolveHold(ctx context.Context, id string, directive Directive, actor string) (Escrow, error) {
	target, action, ok := directive.target()
	if !ok {
		return Escrow{}, fmt.Errorf("escrow: resolve hold %s: %q: %w", id, directive, ErrInvalidDirective)
	}
	topic := TopicReleased
	kind := InstructionRelease
	if target == StatusRefunded {
		topic = TopicRefunded
		kind = InstructionRefund
	}

	e, changed, err := s.apply(ctx, id, actor, "resolve hold", func(e *Escrow) (*change, error) {
		if e.Status == target {
			return nil, nil
		}
		if e.Status.Terminal() {
			return nil, ErrAlreadySettled
		}
		if e.Status == StatusPending {
			return nil, ErrNotFunded
		}
		note := "arbitration"
		if e.DisputeID != "" {
			note = "arbitration of dispute " + e.DisputeID
		}
		e.DisputeID = ""
		e.Status = target
		return &change{action: action, note: note, topic: topic}, nil
	})
	if err != nil {
		return Escrow{}, err
	}
	if changed {
		s.settled(ctx, kind, e)
	}
	return e, nil
}

func (s *Service) settled(ctx context.Context, kind InstructionKind, e Escrow) {
	s.logger.Info("escrow settled",
		slog.String("escrow_id", e.ID),
		slog.String("status", string(e.Status)),
		slog.String("amount", e.Amount.String()),
	)
	s.notify(ctx, kind, e)
}

// notify tells the payment rail about a committed transition. The escrow
// state is authoritative, so a failure is only logged.
func (s *Service) notify(ctx context.Context, kind InstructionKind, e Escrow) {
	in := newInstruction(kind, e, s.now().UTC())
	if err := s.rail.Notify(ctx, in); err != nil {
		s.logger.Warn("payment rail notification failed",
			slog.String("escrow_id", e.ID),
			slog.String("instruction", string(kind)),
			slog.Any("error", err),
		)
	}
}

func newInstruction(kind InstructionKind, e Escrow, now time.Time) Instruction {
	in := Instruction{
		Kind:      kind,
		EscrowID:  e.ID,
		SourceRef: e.SourceRef,
		Amount:    e.Amount,
		At:        now,
	}
	switch kind {
	case InstructionFunded:
		in.PayerID = e.BuyerID
	case InstructionRelease:
		in.PayeeID = e.SellerID
	case InstructionRefund:
		in.PayeeID = e.BuyerID
	}
	return in
}
