// Package dispute runs arbitration over a held escrow: a party files, an
// arbiter seats a panel, and the panel votes until quorum decides the outcome.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"carflow/failure"
	"carflow/outbox"
)

var (
	ErrInvalidDispute     = failure.New(failure.KindValidation, "dispute: invalid dispute")
	ErrInvalidVote        = failure.New(failure.KindValidation, "dispute: invalid vote")
	ErrInvalidParty       = failure.New(failure.KindValidation, "dispute: initiator and defendant must be the escrow's buyer and seller")
	ErrConflictOfInterest = failure.New(failure.KindValidation, "dispute: judge is a party to the dispute")
	ErrPanelTooSmall      = failure.New(failure.KindValidation, "dispute: panel too small")
	ErrNotAssigned        = failure.New(failure.KindForbidden, "dispute: judge not assigned")
	ErrDuplicateVote      = failure.New(failure.KindPrecondition, "dispute: judge already voted")
	ErrNotVoting          = failure.New(failure.KindPrecondition, "dispute: panel not assigned")
	ErrDisputeResolved    = failure.New(failure.KindPrecondition, "dispute: already resolved")
	ErrBadStatus          = failure.New(failure.KindPrecondition, "dispute: invalid status transition")
	ErrNotStale           = failure.New(failure.KindPrecondition, "dispute: escalation timeout not reached")
	ErrEscalationDisabled = failure.New(failure.KindPrecondition, "dispute: escalation disabled")
	ErrInvalidMessage     = failure.New(failure.KindValidation, "dispute: invalid message")
	ErrNotParticipant     = failure.New(failure.KindForbidden, "dispute: not a participant")
	ErrInternalNote       = failure.New(failure.KindForbidden, "dispute: internal notes are limited to the panel and arbiters")
)

// Escrows is the part of the escrow engine a dispute may touch. It is
// implemented by the settlement coordinator.
type Escrows interface {
	Parties(ctx context.Context, escrowID string) (buyerID, sellerID string, err error)
	Hold(ctx context.Context, escrowID, disputeID string) error
	LiftHold(ctx context.Context, escrowID, disputeID string) error
}

// Policy holds the arbitration rules.
type Policy struct {
	// PanelSize is the minimum number of judges on a panel.
	PanelSize int
	// Quorum is the number of distinct votes that resolves a dispute.
	Quorum int
	// Timeout enables escalation of disputes older than it. Zero disables.
	Timeout time.Duration
	// EscalationOutcome is applied to escalated disputes.
	EscalationOutcome Outcome
}

// DefaultPolicy seats three judges and resolves on two votes.
func DefaultPolicy() Policy {
	return Policy{PanelSize: 3, Quorum: 2, EscalationOutcome: OutcomeNeutral}
}

func (p Policy) normalized() Policy {
	if p.PanelSize <= 0 {
		p.PanelSize = 3
	}
	if p.Quorum <= 0 {
		p.Quorum = p.PanelSize/2 + 1
	}
	if !p.EscalationOutcome.Valid() {
		p.EscalationOutcome = OutcomeNeutral
	}
	return p
}

type Service struct {
	store       Store
	escrows     Escrows
	policy      Policy
	now         func() time.Time
	idGenerator func() string
	logger      *slog.Logger
}

func NewService(store Store, escrows Escrows, policy Policy) *Service {
	return &Service{
		store:       store,
		escrows:     escrows,
		policy:      policy.normalized(),
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

// Policy returns the effective arbitration rules.
func (s *Service) Policy() Policy { return s.policy }

// FileParams describes a grievance against an escrow.
type FileParams struct {
	InitiatorID string
	DefendantID string
	EscrowID    string
	Reason      string
}

// File records a dispute and places its hold on the escrow. The hold is
// taken first; if the dispute cannot be recorded the hold is lifted again.
func (s *Service) File(ctx context.Context, params FileParams) (Record, error) {
	initiator := strings.TrimSpace(params.InitiatorID)
	defendant := strings.TrimSpace(params.DefendantID)
	reason := strings.TrimSpace(params.Reason)
	if initiator == "" || defendant == "" || params.EscrowID == "" || reason == "" {
		return Record{}, fmt.Errorf("dispute: file: initiator, defendant, escrow and reason required: %w", ErrInvalidDispute)
	}

	buyer, seller, err := s.escrows.Parties(ctx, params.EscrowID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: file: escrow parties: %w", err)
	}
	if !(initiator == buyer && defendant == seller) && !(initiator == seller && defendant == buyer) {
		return Record{}, fmt.Errorf("dispute: file: %w", ErrInvalidParty)
	}

	now := s.now().UTC()
	rec := Record{
		ID:          s.idGenerator(),
		InitiatorID: initiator,
		DefendantID: defendant,
		EscrowID:    params.EscrowID,
		Reason:      reason,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	msg, err := outbox.NewMessage(TopicFiled, rec.ID, FiledEvent{
		DisputeID:   rec.ID,
		EscrowID:    rec.EscrowID,
		InitiatorID: rec.InitiatorID,
		DefendantID: rec.DefendantID,
		FiledAt:     now,
	}, now)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: file: %w", err)
	}

	if err := s.escrows.Hold(ctx, rec.EscrowID, rec.ID); err != nil {
		return Record{}, fmt.Errorf("dispute: file: hold escrow %s: %w", rec.EscrowID, err)
	}
	if err := s.store.Create(ctx, rec, []outbox.Message{msg}); err != nil {
		// The caller's context may be the reason Create failed.
		if liftErr := s.escrows.LiftHold(context.WithoutCancel(ctx), rec.EscrowID, rec.ID); liftErr != nil {
			s.logger.Error("dispute hold left behind",
				slog.String("dispute_id", rec.ID),
				slog.String("escrow_id", rec.EscrowID),
				slog.Any("error", liftErr),
			)
		}
		return Record{}, fmt.Errorf("dispute: file: %w", err)
	}

	s.logger.Info("dispute filed",
		slog.String("dispute_id", rec.ID),
		slog.String("escrow_id", rec.EscrowID),
		slog.String("initiator_id", rec.InitiatorID),
	)
	return rec, nil
}

// AssignJudges seats the panel and opens voting. Duplicate ids are collapsed
// before the panel size is checked.
func (s *Service) AssignJudges(ctx context.Context, id string, judges []string) (Record, error) {
	panel := uniqueIDs(judges)
	rec, err := s.store.Apply(ctx, id, func(current Record) (*Mutation, error) {
		switch current.Status {
		case StatusResolved:
			return nil, ErrDisputeResolved
		case StatusVoting:
			return nil, ErrBadStatus
		}
		for _, j := range panel {
			if current.IsParty(j) {
				return nil, fmt.Errorf("%w: %s", ErrConflictOfInterest, j)
			}
		}
		if len(panel) < s.policy.PanelSize || len(panel) < s.policy.Quorum {
			return nil, fmt.Errorf("%w: %d judges, need %d", ErrPanelTooSmall, len(panel), max(s.policy.PanelSize, s.policy.Quorum))
		}
		current.Judges = panel
		current.Status = StatusVoting
		current.UpdatedAt = s.now().UTC()
		return &Mutation{Record: current}, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("dispute: assign judges to %s: %w", id, err)
	}
	s.logger.Info("dispute panel assigned", slog.String("dispute_id", id), slog.Int("judges", len(panel)))
	return rec, nil
}

// CastVote records a judge's decision. The vote that reaches quorum resolves
// the dispute; later votes are rejected with ErrDisputeResolved.
func (s *Service) CastVote(ctx context.Context, id, judgeID string, decision Outcome, reason string) (Record, error) {
	if judgeID == "" || !decision.Valid() {
		return Record{}, fmt.Errorf("dispute: cast vote on %s: %q: %w", id, decision, ErrInvalidVote)
	}
	resolved := false
	rec, err := s.store.Apply(ctx, id, func(current Record) (*Mutation, error) {
		switch current.Status {
		case StatusResolved:
			return nil, ErrDisputeResolved
		case StatusOpen:
			return nil, ErrNotVoting
		}
		if !current.IsJudge(judgeID) {
			return nil, ErrNotAssigned
		}
		if current.HasVoted(judgeID) {
			return nil, ErrDuplicateVote
		}

		now := s.now().UTC()
		vote := Vote{JudgeID: judgeID, Decision: decision, Reason: strings.TrimSpace(reason), CastAt: now}
		current.UpdatedAt = now
		mut := &Mutation{Record: current, Vote: &vote}

		votes := append(append([]Vote(nil), current.Votes...), vote)
		if len(votes) < s.policy.Quorum {
			return mut, nil
		}
		msg, err := s.resolve(&mut.Record, Tally(votes), false, now)
		if err != nil {
			return nil, err
		}
		mut.Events = append(mut.Events, msg)
		resolved = true
		return mut, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("dispute: cast vote on %s: %w", id, err)
	}
	if resolved {
		s.logger.Info("dispute resolved", slog.String("dispute_id", id), slog.String("outcome", string(*rec.Outcome)))
	}
	return rec, nil
}

// Escalate resolves a dispute that has waited longer than the policy
// timeout with the policy's escalation outcome. A resolved dispute is left
// alone.
func (s *Service) Escalate(ctx context.Context, id string) (Record, error) {
	if s.policy.Timeout <= 0 {
		return Record{}, fmt.Errorf("dispute: escalate %s: %w", id, ErrEscalationDisabled)
	}
	escalated := false
	rec, err := s.store.Apply(ctx, id, func(current Record) (*Mutation, error) {
		if current.Status == StatusResolved {
			return nil, nil
		}
		now := s.now().UTC()
		if now.Sub(current.CreatedAt) < s.policy.Timeout {
			return nil, ErrNotStale
		}
		msg, err := s.resolve(&current, s.policy.EscalationOutcome, true, now)
		if err != nil {
			return nil, err
		}
		escalated = true
		return &Mutation{Record: current, Events: []outbox.Message{msg}}, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("dispute: escalate %s: %w", id, err)
	}
	if escalated {
		s.logger.Warn("dispute escalated",
			slog.String("dispute_id", id),
			slog.String("outcome", string(s.policy.EscalationOutcome)),
			slog.Int("votes", len(rec.Votes)),
		)
	}
	return rec, nil
}

// Moot resolves a dispute whose escrow already left the hold through a
// refund. outcome records who the refund favored; no directive follows from
// it. A resolved dispute is left alone.
func (s *Service) Moot(ctx context.Context, id string, outcome Outcome) (Record, error) {
	if !outcome.Valid() {
		return Record{}, fmt.Errorf("dispute: moot %s: %q: %w", id, outcome, ErrInvalidDispute)
	}
	mooted := false
	rec, err := s.store.Apply(ctx, id, func(current Record) (*Mutation, error) {
		if current.Status == StatusResolved {
			return nil, nil
		}
		current.Mooted = true
		msg, err := s.resolve(&current, outcome, false, s.now().UTC())
		if err != nil {
			return nil, err
		}
		mooted = true
		return &Mutation{Record: current, Events: []outbox.Message{msg}}, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("dispute: moot %s: %w", id, err)
	}
	if mooted {
		s.logger.Info("dispute mooted by refund",
			slog.String("dispute_id", id),
			slog.String("escrow_id", rec.EscrowID),
			slog.Int("votes", len(rec.Votes)),
		)
	}
	return rec, nil
}

// MessageParams describes a post to a dispute thread.
type MessageParams struct {
	DisputeID   string
	AuthorID    string
	Body        string
	Attachments []string
	Internal    bool
	// Moderator lets an arbiter outside the panel post and read internal
	// notes.
	Moderator bool
}

// AddMessage appends a post to the dispute's thread. Parties, the panel and
// moderators may post while the dispute is unresolved; only the panel and
// moderators may post internal notes.
func (s *Service) AddMessage(ctx context.Context, params MessageParams) (Message, error) {
	body := strings.TrimSpace(params.Body)
	attachments := uniqueIDs(params.Attachments)
	if params.AuthorID == "" || (body == "" && len(attachments) == 0) {
		return Message{}, fmt.Errorf("dispute: add message to %s: author and body or attachment required: %w", params.DisputeID, ErrInvalidMessage)
	}
	if len(attachments) == 0 {
		attachments = nil
	}

	var posted Message
	_, err := s.store.Apply(ctx, params.DisputeID, func(current Record) (*Mutation, error) {
		if current.Status == StatusResolved {
			return nil, ErrDisputeResolved
		}
		panel := current.IsJudge(params.AuthorID)
		if !params.Moderator && !panel && !current.IsParty(params.AuthorID) {
			return nil, ErrNotParticipant
		}
		if params.Internal && !params.Moderator && !panel {
			return nil, ErrInternalNote
		}
		now := s.now().UTC()
		posted = Message{
			ID:          s.idGenerator(),
			DisputeID:   current.ID,
			AuthorID:    params.AuthorID,
			Body:        body,
			Attachments: attachments,
			Internal:    params.Internal,
			PostedAt:    now,
		}
		current.UpdatedAt = now
		return &Mutation{Record: current, Message: &posted}, nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("dispute: add message to %s: %w", params.DisputeID, err)
	}
	s.logger.Debug("dispute message posted",
		slog.String("dispute_id", params.DisputeID),
		slog.String("message_id", posted.ID),
		slog.Bool("internal", posted.Internal),
	)
	return posted, nil
}

// Messages returns the thread as seen by viewerID. Internal notes are
// dropped unless the viewer sits on the panel or moderates.
func (s *Service) Messages(ctx context.Context, id, viewerID string, moderator bool) ([]Message, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: messages of %s: %w", id, err)
	}
	panel := rec.IsJudge(viewerID)
	if !moderator && !panel && !rec.IsParty(viewerID) {
		return nil, fmt.Errorf("dispute: messages of %s: %w", id, ErrNotParticipant)
	}
	all, err := s.store.Messages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: messages of %s: %w", id, err)
	}
	if moderator || panel {
		return all, nil
	}
	out := all[:0]
	for _, m := range all {
		if !m.Internal {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: get %s: %w", id, err)
	}
	return rec, nil
}

// ListStale returns unresolved disputes older than the escalation timeout.
func (s *Service) ListStale(ctx context.Context, limit int) ([]Record, error) {
	if s.policy.Timeout <= 0 {
		return nil, nil
	}
	out, err := s.store.ListStale(ctx, s.now().UTC().Add(-s.policy.Timeout), limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list stale: %w", err)
	}
	return out, nil
}

func (s *Service) resolve(rec *Record, outcome Outcome, escalated bool, now time.Time) (outbox.Message, error) {
	rec.Status = StatusResolved
	rec.Outcome = &outcome
	rec.Escalated = escalated
	rec.ResolvedAt = &now
	rec.UpdatedAt = now
	msg, err := outbox.NewMessage(TopicResolved, rec.ID, ResolvedEvent{
		DisputeID:   rec.ID,
		EscrowID:    rec.EscrowID,
		InitiatorID: rec.InitiatorID,
		DefendantID: rec.DefendantID,
		Outcome:     outcome,
		Escalated:   escalated,
		Mooted:      rec.Mooted,
		ResolvedAt:  now,
	}, now)
	if err != nil {
		return outbox.Message{}, fmt.Errorf("dispute: %w", err)
	}
	return msg, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
