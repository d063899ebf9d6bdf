package escrow

import (
	"time"

	"carflow/money"
)

// Status represents the lifecycle of an escrow transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Terminal reports whether funds have left escrow.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Action tags an audit entry.
type Action string

const (
	ActionOpened           Action = "opened"
	ActionFunded           Action = "funded"
	ActionConditionUpdated Action = "condition_updated"
	ActionHeld             Action = "held"
	ActionHoldLifted       Action = "hold_lifted"
	ActionReleased         Action = "released"
	ActionRefunded         Action = "refunded"
	// ActionNoted records an observation that does not change the status.
	ActionNoted Action = "noted"
)

// Terminal reports whether the entry records funds leaving escrow. An escrow
// has at most one such entry.
func (a Action) Terminal() bool {
	return a == ActionReleased || a == ActionRefunded
}

// Condition is a named release requirement.
type Condition struct {
	Name      string    `json:"name"`
	Met       bool      `json:"met"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// AuditEntry is one append-only record of the escrow_audit table. Hash
// covers the entry and PrevHash, so editing any entry breaks every later
// link.
type AuditEntry struct {
	Seq      int
	Actor    string
	Action   Action
	Note     string
	At       time.Time
	PrevHash string
	Hash     string
}

// Escrow mirrors the escrows table with its conditions and audit log.
type Escrow struct {
	ID         string
	SourceRef  string
	BuyerID    string
	SellerID   string
	Amount     money.Money
	Status     Status
	Conditions []Condition
	Audit      []AuditEntry
	// DisputeID is set exactly while the escrow is held.
	DisputeID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no slices with e.
func (e Escrow) Clone() Escrow {
	out := e
	out.Conditions = append([]Condition(nil), e.Conditions...)
	out.Audit = append([]AuditEntry(nil), e.Audit...)
	return out
}

// AllConditionsMet reports whether every release condition is met.
func (e Escrow) AllConditionsMet() bool {
	for _, c := range e.Conditions {
		if !c.Met {
			return false
		}
	}
	return true
}

// UnmetConditions lists the names of conditions that are not met yet.
func (e Escrow) UnmetConditions() []string {
	var out []string
	for _, c := range e.Conditions {
		if !c.Met {
			out = append(out, c.Name)
		}
	}
	return out
}

// IsParty reports whether id is the buyer or the seller.
func (e Escrow) IsParty(id string) bool {
	return id != "" && (id == e.BuyerID || id == e.SellerID)
}

func (e Escrow) conditionIndex(name string) int {
	for i, c := range e.Conditions {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Directive is the terminal transition ordered by arbitration.
type Directive string

const (
	DirectiveRelease Directive = "release"
	DirectiveRefund  Directive = "refund"
)

func (d Directive) target() (Status, Action, bool) {
	switch d {
	case DirectiveRelease:
		return StatusReleased, ActionReleased, true
	case DirectiveRefund:
		return StatusRefunded, ActionRefunded, true
	default:
		return "", "", false
	}
}

const (
	TopicOpened   = "escrow.opened"
	TopicFunded   = "escrow.funded"
	TopicHeld     = "escrow.held"
	TopicReleased = "escrow.released"
	TopicRefunded = "escrow.refunded"
)

// Event is the payload of every escrow topic.
type Event struct {
	EscrowID  string      `json:"escrow_id"`
	SourceRef string      `json:"source_ref,omitempty"`
	BuyerID   string      `json:"buyer_id"`
	SellerID  string      `json:"seller_id"`
	Amount    money.Money `json:"amount"`
	Status    Status      `json:"status"`
	DisputeID string      `json:"dispute_id,omitempty"`
	Actor     string      `json:"actor"`
	At        time.Time   `json:"at"`

	// ClearedDisputeID names the dispute whose hold a refund cleared.
	ClearedDisputeID string `json:"cleared_dispute_id,omitempty"`
}
