// Package settlement turns auction and dispute events into escrow commands.
// It owns no state: every handler re-reads what it needs and is safe to run
// again for the same event.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"carflow/auction"
	"carflow/dispute"
	"carflow/escrow"
	"carflow/failure"
	"carflow/outbox"
)

// Actor is recorded in escrow audit entries written by the coordinator.
const Actor = "settlement"

var ErrUnknownOutcome = failure.New(failure.KindValidation, "settlement: unknown dispute outcome")

// Auctions is the part of the auction service the coordinator drives.
type Auctions interface {
	Get(ctx context.Context, id string) (auction.Auction, error)
	Settle(ctx context.Context, auctionID, escrowID string) (auction.Auction, error)
}

// Escrows is the part of the escrow engine the coordinator drives.
type Escrows interface {
	Open(ctx context.Context, params escrow.OpenParams) (escrow.Escrow, error)
	Get(ctx context.Context, id string) (escrow.Escrow, error)
	Hold(ctx context.Context, id, disputeID, actor string) (escrow.Escrow, error)
	LiftHold(ctx context.Context, id, disputeID, actor string) (escrow.Escrow, error)
	ResolveHold(ctx context.Context, id string, directive escrow.Directive, actor string) (escrow.Escrow, error)
	Annotate(ctx context.Context, id, note, actor string) (escrow.Escrow, error)
}

// Disputes is the part of arbitration the coordinator closes when an escrow
// is refunded out from under a dispute.
type Disputes interface {
	Get(ctx context.Context, id string) (dispute.Record, error)
	Moot(ctx context.Context, id string, outcome dispute.Outcome) (dispute.Record, error)
}

type Coordinator struct {
	auctions          Auctions
	escrows           Escrows
	disputes          Disputes
	defaultConditions []string
	neutral           escrow.Directive
	logger            *slog.Logger
}

var _ dispute.Escrows = (*Coordinator)(nil)

func NewCoordinator(auctions Auctions, escrows Escrows) *Coordinator {
	return &Coordinator{
		auctions: auctions,
		escrows:  escrows,
		neutral:  escrow.DirectiveRefund,
		logger:   slog.Default(),
	}
}

// WithDefaultConditions sets the release conditions of escrows opened for
// auctions that did not request their own.
func (c *Coordinator) WithDefaultConditions(names []string) *Coordinator {
	c.defaultConditions = append([]string(nil), names...)
	return c
}

// WithDisputes lets the coordinator moot disputes whose escrow was refunded
// while held. The dispute service depends on the coordinator, so it is
// attached after construction.
func (c *Coordinator) WithDisputes(d Disputes) *Coordinator {
	c.disputes = d
	return c
}

// WithNeutralPolicy sets the directive applied to neutral outcomes.
func (c *Coordinator) WithNeutralPolicy(d escrow.Directive) *Coordinator {
	if d == escrow.DirectiveRelease || d == escrow.DirectiveRefund {
		c.neutral = d
	}
	return c
}

func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	if l != nil {
		c.logger = l
	}
	return c
}

// Register subscribes the coordinator's handlers to the relay.
func (c *Coordinator) Register(relay *outbox.Relay) {
	relay.Subscribe(auction.TopicClosed, func(ctx context.Context, msg outbox.Message) error {
		var ev auction.ClosedEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return c.HandleAuctionClosed(ctx, ev)
	})
	relay.Subscribe(dispute.TopicResolved, func(ctx context.Context, msg outbox.Message) error {
		var ev dispute.ResolvedEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return c.HandleDisputeResolved(ctx, ev)
	})
	relay.Subscribe(escrow.TopicRefunded, func(ctx context.Context, msg outbox.Message) error {
		var ev escrow.Event
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return c.HandleEscrowRefunded(ctx, ev)
	})
}

// HandleAuctionClosed opens the escrow obligation for the winning bid and
// settles the auction against it.
func (c *Coordinator) HandleAuctionClosed(ctx context.Context, ev auction.ClosedEvent) error {
	a, err := c.auctions.Get(ctx, ev.AuctionID)
	if err != nil {
		return fmt.Errorf("settlement: auction closed: %w", err)
	}
	switch a.Status {
	case auction.StatusSettled:
		return nil
	case auction.StatusCancelled:
		c.logger.Info("closed auction cancelled before settlement", slog.String("auction_id", a.ID), slog.String("reason", a.CancelReason))
		return nil
	}

	conditions := ev.Conditions
	if len(conditions) == 0 {
		conditions = c.defaultConditions
	}
	e, err := c.escrows.Open(ctx, escrow.OpenParams{
		SourceRef:  ev.AuctionID,
		BuyerID:    ev.WinningBid.BidderID,
		SellerID:   ev.SellerID,
		Amount:     ev.WinningBid.Amount,
		Conditions: conditions,
		Actor:      Actor,
	})
	if err != nil {
		return fmt.Errorf("settlement: open escrow for auction %s: %w", ev.AuctionID, err)
	}

	if _, err := c.auctions.Settle(ctx, ev.AuctionID, e.ID); err != nil {
		if errors.Is(err, auction.ErrInvalidTransition) {
			// Cancelled between the read above and now. The escrow stays
			// Pending and is never funded; its audit log says why.
			c.logger.Warn("auction not settled",
				slog.String("auction_id", ev.AuctionID),
				slog.String("escrow_id", e.ID),
				slog.Any("error", err),
			)
			note := "auction " + ev.AuctionID + " cancelled before settlement"
			if _, err := c.escrows.Annotate(ctx, e.ID, note, Actor); err != nil {
				return fmt.Errorf("settlement: annotate escrow %s: %w", e.ID, err)
			}
			return nil
		}
		return fmt.Errorf("settlement: settle auction %s: %w", ev.AuctionID, err)
	}

	c.logger.Info("auction settled", slog.String("auction_id", ev.AuctionID), slog.String("escrow_id", e.ID))
	return nil
}

// HandleDisputeResolved applies the arbitration outcome to the held escrow.
func (c *Coordinator) HandleDisputeResolved(ctx context.Context, ev dispute.ResolvedEvent) error {
	if ev.Mooted {
		return nil
	}
	e, err := c.escrows.Get(ctx, ev.EscrowID)
	if err != nil {
		return fmt.Errorf("settlement: dispute resolved: %w", err)
	}
	directive, err := c.Directive(ev.Outcome, ev.InitiatorID, e)
	if err != nil {
		c.logger.Error("dispute outcome not applied",
			slog.String("dispute_id", ev.DisputeID),
			slog.String("escrow_id", ev.EscrowID),
			slog.Any("error", err),
		)
		return err
	}

	if _, err := c.escrows.ResolveHold(ctx, ev.EscrowID, directive, Actor); err != nil {
		if errors.Is(err, escrow.ErrAlreadySettled) {
			c.logger.Warn("escrow settled before arbitration",
				slog.String("dispute_id", ev.DisputeID),
				slog.String("escrow_id", ev.EscrowID),
				slog.String("directive", string(directive)),
			)
			return nil
		}
		return fmt.Errorf("settlement: resolve hold on %s: %w", ev.EscrowID, err)
	}

	c.logger.Info("arbitration applied",
		slog.String("dispute_id", ev.DisputeID),
		slog.String("escrow_id", ev.EscrowID),
		slog.String("outcome", string(ev.Outcome)),
		slog.String("directive", string(directive)),
	)
	return nil
}

// HandleEscrowRefunded moots the dispute whose hold a refund cleared. The
// refund favored the buyer, so the dispute is closed in the buyer's favor.
func (c *Coordinator) HandleEscrowRefunded(ctx context.Context, ev escrow.Event) error {
	if ev.ClearedDisputeID == "" {
		return nil
	}
	if c.disputes == nil {
		c.logger.Warn("dispute left open after refund",
			slog.String("escrow_id", ev.EscrowID),
			slog.String("dispute_id", ev.ClearedDisputeID),
		)
		return nil
	}
	rec, err := c.disputes.Get(ctx, ev.ClearedDisputeID)
	if err != nil {
		return fmt.Errorf("settlement: escrow refunded: %w", err)
	}
	outcome := dispute.OutcomeFavorDefendant
	if rec.InitiatorID == ev.BuyerID {
		outcome = dispute.OutcomeFavorInitiator
	}
	if _, err := c.disputes.Moot(ctx, rec.ID, outcome); err != nil {
		return fmt.Errorf("settlement: moot dispute %s: %w", rec.ID, err)
	}
	return nil
}

// Directive maps an arbitration outcome to the escrow transition it orders.
// Favoring the buyer refunds; favoring the seller releases; neutral follows
// the configured policy.
func (c *Coordinator) Directive(outcome dispute.Outcome, initiatorID string, e escrow.Escrow) (escrow.Directive, error) {
	if !e.IsParty(initiatorID) {
		return "", fmt.Errorf("settlement: initiator %s is not a party to escrow %s", initiatorID, e.ID)
	}
	initiatorIsBuyer := initiatorID == e.BuyerID

	switch outcome {
	case dispute.OutcomeFavorInitiator:
		if initiatorIsBuyer {
			return escrow.DirectiveRefund, nil
		}
		return escrow.DirectiveRelease, nil
	case dispute.OutcomeFavorDefendant:
		if initiatorIsBuyer {
			return escrow.DirectiveRelease, nil
		}
		return escrow.DirectiveRefund, nil
	case dispute.OutcomeNeutral:
		return c.neutral, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
}

// Parties implements dispute.Escrows.
func (c *Coordinator) Parties(ctx context.Context, escrowID string) (string, string, error) {
	e, err := c.escrows.Get(ctx, escrowID)
	if err != nil {
		return "", "", err
	}
	return e.BuyerID, e.SellerID, nil
}

// Hold implements dispute.Escrows.
func (c *Coordinator) Hold(ctx context.Context, escrowID, disputeID string) error {
	_, err := c.escrows.Hold(ctx, escrowID, disputeID, Actor)
	return err
}

// LiftHold implements dispute.Escrows.
func (c *Coordinator) LiftHold(ctx context.Context, escrowID, disputeID string) error {
	_, err := c.escrows.LiftHold(ctx, escrowID, disputeID, Actor)
	return err
}
