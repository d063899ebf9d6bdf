// Package gateway is the operation surface of the settlement core. Every call
// carries the caller's token; the gateway resolves it to a party, checks the
// party may perform the operation and forwards to the owning service.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"carflow/auction"
	"carflow/auth"
	"carflow/dispute"
	"carflow/escrow"
	"carflow/failure"
	"carflow/money"
)

var ErrForbidden = failure.New(failure.KindForbidden, "gateway: forbidden")

type Resolver interface {
	Resolve(token string) (auth.Party, error)
}

type Auctions interface {
	Publish(ctx context.Context, params auction.PublishParams) (auction.Auction, error)
	SubmitBid(ctx context.Context, auctionID, bidderID string, amount money.Money) (auction.Bid, error)
	Close(ctx context.Context, auctionID string, opts auction.CloseOptions) (auction.Auction, error)
	Cancel(ctx context.Context, auctionID, reason string) (auction.Auction, error)
	Get(ctx context.Context, id string) (auction.Auction, error)
	Bids(ctx context.Context, auctionID string) ([]auction.Bid, error)
}

type Escrows interface {
	Open(ctx context.Context, params escrow.OpenParams) (escrow.Escrow, error)
	Get(ctx context.Context, id string) (escrow.Escrow, error)
	RecordFunding(ctx context.Context, id, actor string) (escrow.Escrow, error)
	UpdateCondition(ctx context.Context, id, name string, met bool, actor string) (escrow.Escrow, error)
	Release(ctx context.Context, id, actor string) (escrow.Escrow, error)
	Refund(ctx context.Context, id, actor string) (escrow.Escrow, error)
}

type Disputes interface {
	File(ctx context.Context, params dispute.FileParams) (dispute.Record, error)
	AssignJudges(ctx context.Context, id string, judges []string) (dispute.Record, error)
	CastVote(ctx context.Context, id, judgeID string, decision dispute.Outcome, reason string) (dispute.Record, error)
	Get(ctx context.Context, id string) (dispute.Record, error)
	AddMessage(ctx context.Context, params dispute.MessageParams) (dispute.Message, error)
	Messages(ctx context.Context, id, viewerID string, moderator bool) ([]dispute.Message, error)
}

type Gateway struct {
	resolver Resolver
	auctions Auctions
	escrows  Escrows
	disputes Disputes
	logger   *slog.Logger
}

func New(resolver Resolver, auctions Auctions, escrows Escrows, disputes Disputes) *Gateway {
	return &Gateway{
		resolver: resolver,
		auctions: auctions,
		escrows:  escrows,
		disputes: disputes,
		logger:   slog.Default(),
	}
}

func (g *Gateway) WithLogger(l *slog.Logger) *Gateway {
	if l != nil {
		g.logger = l
	}
	return g
}

func (g *Gateway) caller(token string, roles ...auth.Role) (auth.Party, error) {
	p, err := g.resolver.Resolve(token)
	if err != nil {
		return auth.Party{}, err
	}
	if len(roles) == 0 || hasRole(p, roles...) {
		return p, nil
	}
	return auth.Party{}, fmt.Errorf("%w: role %s", ErrForbidden, p.Role)
}

func (g *Gateway) deny(op string, p auth.Party, target string) error {
	g.logger.Warn("operation denied",
		slog.String("op", op),
		slog.String("party", p.ID),
		slog.String("role", string(p.Role)),
		slog.String("target", target),
	)
	return fmt.Errorf("gateway: %s %s: %w", op, target, ErrForbidden)
}

func hasRole(p auth.Party, roles ...auth.Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// PublishAuction lists an item on behalf of the calling member, who becomes
// the seller.
func (g *Gateway) PublishAuction(ctx context.Context, token, itemID, currency string, closeAt time.Time, conditions []string) (auction.Auction, error) {
	p, err := g.caller(token, auth.RoleMember)
	if err != nil {
		return auction.Auction{}, err
	}
	return g.auctions.Publish(ctx, auction.PublishParams{
		ItemID:     itemID,
		SellerID:   p.ID,
		Currency:   currency,
		CloseAt:    closeAt,
		Conditions: conditions,
	})
}

// SubmitBid places a bid as the calling member.
func (g *Gateway) SubmitBid(ctx context.Context, token, auctionID string, amount money.Money) (auction.Bid, error) {
	p, err := g.caller(token, auth.RoleMember)
	if err != nil {
		return auction.Bid{}, err
	}
	return g.auctions.SubmitBid(ctx, auctionID, p.ID, amount)
}

// CloseAuction ends bidding. Closing before the deadline is reserved for
// arbiters; after it the seller or an operator may trigger the close the
// sweep would otherwise perform.
func (g *Gateway) CloseAuction(ctx context.Context, token, auctionID string, override bool) (auction.Auction, error) {
	p, err := g.caller(token)
	if err != nil {
		return auction.Auction{}, err
	}
	if override {
		if p.Role != auth.RoleArbiter {
			return auction.Auction{}, g.deny("close auction early", p, auctionID)
		}
	} else if !hasRole(p, auth.RoleArbiter, auth.RoleOperator) {
		a, err := g.auctions.Get(ctx, auctionID)
		if err != nil {
			return auction.Auction{}, err
		}
		if a.SellerID != p.ID {
			return auction.Auction{}, g.deny("close auction", p, auctionID)
		}
	}
	return g.auctions.Close(ctx, auctionID, auction.CloseOptions{Override: override})
}

// CancelAuction withdraws an auction. Sellers may cancel their own.
func (g *Gateway) CancelAuction(ctx context.Context, token, auctionID, reason string) (auction.Auction, error) {
	p, err := g.caller(token)
	if err != nil {
		return auction.Auction{}, err
	}
	if !hasRole(p, auth.RoleArbiter, auth.RoleOperator) {
		a, err := g.auctions.Get(ctx, auctionID)
		if err != nil {
			return auction.Auction{}, err
		}
		if a.SellerID != p.ID {
			return auction.Auction{}, g.deny("cancel auction", p, auctionID)
		}
	}
	return g.auctions.Cancel(ctx, auctionID, reason)
}

func (g *Gateway) Auction(ctx context.Context, token, auctionID string) (auction.Auction, error) {
	if _, err := g.caller(token); err != nil {
		return auction.Auction{}, err
	}
	return g.auctions.Get(ctx, auctionID)
}

func (g *Gateway) Bids(ctx context.Context, token, auctionID string) ([]auction.Bid, error) {
	if _, err := g.caller(token); err != nil {
		return nil, err
	}
	return g.auctions.Bids(ctx, auctionID)
}

// OpenEscrow creates an escrow for a sale concluded outside an auction.
// Members may only open escrows they are a party to.
func (g *Gateway) OpenEscrow(ctx context.Context, token string, params escrow.OpenParams) (escrow.Escrow, error) {
	p, err := g.caller(token, auth.RoleMember, auth.RoleOperator)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if p.Role == auth.RoleMember && p.ID != params.BuyerID && p.ID != params.SellerID {
		return escrow.Escrow{}, g.deny("open escrow", p, params.SourceRef)
	}
	params.Actor = p.ID
	return g.escrows.Open(ctx, params)
}

// RecordFunding confirms receipt of the buyer's payment. Only operators see
// the payment rail.
func (g *Gateway) RecordFunding(ctx context.Context, token, escrowID string) (escrow.Escrow, error) {
	p, err := g.caller(token, auth.RoleOperator)
	if err != nil {
		return escrow.Escrow{}, err
	}
	return g.escrows.RecordFunding(ctx, escrowID, p.ID)
}

// UpdateCondition records a release condition as met or unmet. The buyer
// confirms conditions; operators record third-party results.
func (g *Gateway) UpdateCondition(ctx context.Context, token, escrowID, name string, met bool) (escrow.Escrow, error) {
	p, err := g.escrowActor(ctx, token, "update condition", escrowID, func(e escrow.Escrow, id string) bool { return e.BuyerID == id })
	if err != nil {
		return escrow.Escrow{}, err
	}
	return g.escrows.UpdateCondition(ctx, escrowID, name, met, p.ID)
}

// Release pays the seller. Only the buyer or an operator may release.
func (g *Gateway) Release(ctx context.Context, token, escrowID string) (escrow.Escrow, error) {
	p, err := g.escrowActor(ctx, token, "release", escrowID, func(e escrow.Escrow, id string) bool { return e.BuyerID == id })
	if err != nil {
		return escrow.Escrow{}, err
	}
	return g.escrows.Release(ctx, escrowID, p.ID)
}

// Refund returns the funds to the buyer. Only the seller or an operator may
// refund.
func (g *Gateway) Refund(ctx context.Context, token, escrowID string) (escrow.Escrow, error) {
	p, err := g.escrowActor(ctx, token, "refund", escrowID, func(e escrow.Escrow, id string) bool { return e.SellerID == id })
	if err != nil {
		return escrow.Escrow{}, err
	}
	return g.escrows.Refund(ctx, escrowID, p.ID)
}

// escrowActor admits operators and members for which allowed holds.
func (g *Gateway) escrowActor(ctx context.Context, token, op, escrowID string, allowed func(escrow.Escrow, string) bool) (auth.Party, error) {
	p, err := g.caller(token, auth.RoleMember, auth.RoleOperator)
	if err != nil {
		return auth.Party{}, err
	}
	if p.Role == auth.RoleOperator {
		return p, nil
	}
	e, err := g.escrows.Get(ctx, escrowID)
	if err != nil {
		return auth.Party{}, err
	}
	if !allowed(e, p.ID) {
		return auth.Party{}, g.deny(op, p, escrowID)
	}
	return p, nil
}

// Escrow returns an escrow to its parties, operators and arbiters.
func (g *Gateway) Escrow(ctx context.Context, token, escrowID string) (escrow.Escrow, error) {
	p, err := g.caller(token)
	if err != nil {
		return escrow.Escrow{}, err
	}
	e, err := g.escrows.Get(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if !hasRole(p, auth.RoleOperator, auth.RoleArbiter) && !e.IsParty(p.ID) {
		return escrow.Escrow{}, g.deny("read escrow", p, escrowID)
	}
	return e, nil
}

// FileDispute opens a dispute against the other party of an escrow. The
// caller is the initiator.
func (g *Gateway) FileDispute(ctx context.Context, token, escrowID, reason string) (dispute.Record, error) {
	p, err := g.caller(token, auth.RoleMember)
	if err != nil {
		return dispute.Record{}, err
	}
	e, err := g.escrows.Get(ctx, escrowID)
	if err != nil {
		return dispute.Record{}, err
	}
	var defendant string
	switch p.ID {
	case e.BuyerID:
		defendant = e.SellerID
	case e.SellerID:
		defendant = e.BuyerID
	default:
		return dispute.Record{}, g.deny("file dispute", p, escrowID)
	}
	return g.disputes.File(ctx, dispute.FileParams{
		InitiatorID: p.ID,
		DefendantID: defendant,
		EscrowID:    escrowID,
		Reason:      reason,
	})
}

func (g *Gateway) AssignJudges(ctx context.Context, token, disputeID string, judges []string) (dispute.Record, error) {
	if _, err := g.caller(token, auth.RoleArbiter); err != nil {
		return dispute.Record{}, err
	}
	return g.disputes.AssignJudges(ctx, disputeID, judges)
}

// CastVote records the calling judge's decision.
func (g *Gateway) CastVote(ctx context.Context, token, disputeID string, decision dispute.Outcome, reason string) (dispute.Record, error) {
	p, err := g.caller(token, auth.RoleJudge)
	if err != nil {
		return dispute.Record{}, err
	}
	return g.disputes.CastVote(ctx, disputeID, p.ID, decision, reason)
}

// Dispute returns a dispute to its parties, its panel, arbiters and
// operators.
func (g *Gateway) Dispute(ctx context.Context, token, disputeID string) (dispute.Record, error) {
	p, err := g.caller(token)
	if err != nil {
		return dispute.Record{}, err
	}
	rec, err := g.disputes.Get(ctx, disputeID)
	if err != nil {
		return dispute.Record{}, err
	}
	if !hasRole(p, auth.RoleOperator, auth.RoleArbiter) && !rec.IsParty(p.ID) && !rec.IsJudge(p.ID) {
		return dispute.Record{}, g.deny("read dispute", p, disputeID)
	}
	return rec, nil
}

// PostDisputeMessage adds to a dispute's thread as the caller. Parties post
// evidence; the panel and arbiters may also leave internal notes the parties
// never see.
func (g *Gateway) PostDisputeMessage(ctx context.Context, token, disputeID, body string, attachments []string, internal bool) (dispute.Message, error) {
	p, rec, err := g.threadCaller(ctx, token, "post dispute message", disputeID)
	if err != nil {
		return dispute.Message{}, err
	}
	moderator := p.Role == auth.RoleArbiter
	if internal && !moderator && !rec.IsJudge(p.ID) {
		return dispute.Message{}, g.deny("post internal note", p, disputeID)
	}
	return g.disputes.AddMessage(ctx, dispute.MessageParams{
		DisputeID:   disputeID,
		AuthorID:    p.ID,
		Body:        body,
		Attachments: attachments,
		Internal:    internal,
		Moderator:   moderator,
	})
}

// DisputeMessages returns the thread as the caller may see it.
func (g *Gateway) DisputeMessages(ctx context.Context, token, disputeID string) ([]dispute.Message, error) {
	p, _, err := g.threadCaller(ctx, token, "read dispute messages", disputeID)
	if err != nil {
		return nil, err
	}
	return g.disputes.Messages(ctx, disputeID, p.ID, p.Role == auth.RoleArbiter)
}

// threadCaller admits arbiters and the dispute's parties and panel.
func (g *Gateway) threadCaller(ctx context.Context, token, op, disputeID string) (auth.Party, dispute.Record, error) {
	p, err := g.caller(token)
	if err != nil {
		return auth.Party{}, dispute.Record{}, err
	}
	rec, err := g.disputes.Get(ctx, disputeID)
	if err != nil {
		return auth.Party{}, dispute.Record{}, err
	}
	if p.Role != auth.RoleArbiter && !rec.IsParty(p.ID) && !rec.IsJudge(p.ID) {
		return auth.Party{}, dispute.Record{}, g.deny(op, p, disputeID)
	}
	return p, rec, nil
}
