package escrow

import (
	"context"
	"time"

	"carflow/money"
)

// InstructionKind names the fund movement the payment rail should perform.
type InstructionKind string

const (
	InstructionFunded  InstructionKind = "funded"
	InstructionRelease InstructionKind = "release"
	InstructionRefund  InstructionKind = "refund"
)

// Instruction is sent to the payment rail after a transition commits.
type Instruction struct {
	Kind      InstructionKind `json:"kind"`
	EscrowID  string          `json:"escrow_id"`
	SourceRef string          `json:"source_ref,omitempty"`
	PayerID   string          `json:"payer_id,omitempty"`
	PayeeID   string          `json:"payee_id,omitempty"`
	Amount    money.Money     `json:"amount"`
	At        time.Time       `json:"at"`
}

// PaymentRail moves money on behalf of the engine. It owns its own retries;
// the engine never waits for money to move before committing.
type PaymentRail interface {
	Notify(ctx context.Context, in Instruction) error
}

type noRail struct{}

func (noRail) Notify(context.Context, Instruction) error { return nil }
