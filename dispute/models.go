package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusVoting   Status = "voting"
	StatusResolved Status = "resolved"
)

// Outcome is the closed set of arbitration results. Judges vote for one and
// the dispute resolves to one.
type Outcome string

const (
	OutcomeFavorInitiator Outcome = "favor_initiator"
	OutcomeFavorDefendant Outcome = "favor_defendant"
	OutcomeNeutral        Outcome = "neutral"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFavorInitiator, OutcomeFavorDefendant, OutcomeNeutral:
		return true
	}
	return false
}

// Vote is one judge's immutable decision.
type Vote struct {
	JudgeID  string
	Decision Outcome
	Reason   string
	CastAt   time.Time
}

// Record mirrors the disputes table together with its votes.
type Record struct {
	ID          string
	InitiatorID string
	DefendantID string
	EscrowID    string
	Reason      string
	Status      Status
	Judges      []string
	Votes       []Vote
	Outcome     *Outcome
	// Escalated marks a dispute resolved by the timeout policy rather than
	// by its panel.
	Escalated bool
	// Mooted marks a dispute closed because its escrow was refunded outside
	// arbitration.
	Mooted     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Clone returns a copy that shares no mutable memory with r.
func (r Record) Clone() Record {
	out := r
	out.Judges = append([]string(nil), r.Judges...)
	out.Votes = append([]Vote(nil), r.Votes...)
	if r.Outcome != nil {
		o := *r.Outcome
		out.Outcome = &o
	}
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

// Message is one immutable post in a dispute's thread. Internal notes are
// visible to the panel and arbiters only.
type Message struct {
	ID          string
	DisputeID   string
	AuthorID    string
	Body        string
	Attachments []string
	Internal    bool
	PostedAt    time.Time
}

// IsParty reports whether id is the initiator or the defendant.
func (r Record) IsParty(id string) bool {
	return id == r.InitiatorID || id == r.DefendantID
}

// IsJudge reports whether id sits on the panel.
func (r Record) IsJudge(id string) bool {
	for _, j := range r.Judges {
		if j == id {
			return true
		}
	}
	return false
}

// HasVoted reports whether judge id already cast a vote.
func (r Record) HasVoted(id string) bool {
	for _, v := range r.Votes {
		if v.JudgeID == id {
			return true
		}
	}
	return false
}

// Tally picks the decision with the most votes. A tie for first place, or no
// votes at all, resolves to neutral.
func Tally(votes []Vote) Outcome {
	counts := make(map[Outcome]int, 3)
	for _, v := range votes {
		counts[v.Decision]++
	}
	best, bestCount, tied := OutcomeNeutral, 0, false
	for _, o := range []Outcome{OutcomeFavorInitiator, OutcomeFavorDefendant, OutcomeNeutral} {
		switch n := counts[o]; {
		case n > bestCount:
			best, bestCount, tied = o, n, false
		case n == bestCount && n > 0:
			tied = true
		}
	}
	if tied || bestCount == 0 {
		return OutcomeNeutral
	}
	return best
}

const (
	TopicFiled    = "dispute.filed"
	TopicResolved = "dispute.resolved"
)

// FiledEvent is published when a dispute is recorded.
type FiledEvent struct {
	DisputeID   string    `json:"dispute_id"`
	EscrowID    string    `json:"escrow_id"`
	InitiatorID string    `json:"initiator_id"`
	DefendantID string    `json:"defendant_id"`
	FiledAt     time.Time `json:"filed_at"`
}

// ResolvedEvent is published once, when a dispute reaches its outcome.
type ResolvedEvent struct {
	DisputeID   string    `json:"dispute_id"`
	EscrowID    string    `json:"escrow_id"`
	InitiatorID string    `json:"initiator_id"`
	DefendantID string    `json:"defendant_id"`
	Outcome     Outcome   `json:"outcome"`
	Escalated   bool      `json:"escalated,omitempty"`
	Mooted      bool      `json:"mooted,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}
