package auction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carflow/outbox"
)

// CloseOptions tunes Close.
type CloseOptions struct {
	// Override closes the auction before its deadline.
	Override bool
}

// Close ends bidding. The leading bid becomes the winning bid and
// auction.closed is published; an auction without bids is cancelled with
// reason no_bids instead.
func (s *Service) Close(ctx context.Context, auctionID string, opts CloseOptions) (Auction, error) {
	a, err := s.store.Apply(ctx, auctionID, func(current Auction, leading *Bid) (*Mutation, error) {
		if current.Status != StatusOpen {
			return nil, ErrAlreadyClosed
		}
		now := s.now().UTC()
		if !opts.Override && now.Before(current.CloseAt) {
			return nil, ErrNotYetDue
		}
		current.UpdatedAt = now

		if leading == nil {
			return s.cancelMutation(current, CancelReasonNoBids, now)
		}

		winner := *leading
		current.Status = StatusClosed
		current.WinningBid = &winner
		msg, err := s.event(TopicClosed, current.ID, ClosedEvent{
			AuctionID:  current.ID,
			ItemID:     current.ItemID,
			SellerID:   current.SellerID,
			WinningBid: winner,
			Conditions: current.Conditions,
			ClosedAt:   now,
		}, now)
		if err != nil {
			return nil, err
		}
		return &Mutation{Auction: current, Events: []outbox.Message{msg}}, nil
	})
	if err != nil {
		return Auction{}, fmt.Errorf("auction: close %s: %w", auctionID, err)
	}

	attrs := []any{slog.String("auction_id", a.ID), slog.String("status", string(a.Status)), slog.Bool("override", opts.Override)}
	if a.WinningBid != nil {
		attrs = append(attrs, slog.String("winning_bid", a.WinningBid.ID))
	}
	s.logger.Info("auction closed", attrs...)
	return a, nil
}

// Cancel withdraws an auction that has not settled yet.
func (s *Service) Cancel(ctx context.Context, auctionID, reason string) (Auction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Auction{}, fmt.Errorf("auction: cancel %s: reason required: %w", auctionID, ErrInvalidAuction)
	}
	a, err := s.store.Apply(ctx, auctionID, func(current Auction, _ *Bid) (*Mutation, error) {
		if current.Status != StatusOpen && current.Status != StatusClosed {
			return nil, ErrInvalidTransition
		}
		now := s.now().UTC()
		current.UpdatedAt = now
		return s.cancelMutation(current, reason, now)
	})
	if err != nil {
		return Auction{}, fmt.Errorf("auction: cancel %s: %w", auctionID, err)
	}
	s.logger.Info("auction cancelled", slog.String("auction_id", a.ID), slog.String("reason", reason))
	return a, nil
}

// Settle records the escrow created for a closed auction. Repeating it with
// the same escrow id is a no-op.
func (s *Service) Settle(ctx context.Context, auctionID, escrowID string) (Auction, error) {
	if escrowID == "" {
		return Auction{}, fmt.Errorf("auction: settle %s: escrow id required: %w", auctionID, ErrInvalidAuction)
	}
	a, err := s.store.Apply(ctx, auctionID, func(current Auction, _ *Bid) (*Mutation, error) {
		if current.Status == StatusSettled && current.EscrowID == escrowID {
			return nil, nil
		}
		if current.Status != StatusClosed {
			return nil, ErrInvalidTransition
		}
		now := s.now().UTC()
		current.Status = StatusSettled
		current.EscrowID = escrowID
		current.UpdatedAt = now
		msg, err := s.event(TopicSettled, current.ID, SettledEvent{
			AuctionID: current.ID,
			EscrowID:  escrowID,
			SettledAt: now,
		}, now)
		if err != nil {
			return nil, err
		}
		return &Mutation{Auction: current, Events: []outbox.Message{msg}}, nil
	})
	if err != nil {
		return Auction{}, fmt.Errorf("auction: settle %s: %w", auctionID, err)
	}
	return a, nil
}

// ListDue returns open auctions past their deadline.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	due, err := s.store.ListDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("auction: list due: %w", err)
	}
	return due, nil
}

func (s *Service) cancelMutation(current Auction, reason string, now time.Time) (*Mutation, error) {
	current.Status = StatusCancelled
	current.CancelReason = reason
	msg, err := s.event(TopicCancelled, current.ID, CancelledEvent{
		AuctionID:   current.ID,
		ItemID:      current.ItemID,
		SellerID:    current.SellerID,
		Reason:      reason,
		CancelledAt: now,
	}, now)
	if err != nil {
		return nil, err
	}
	return &Mutation{Auction: current, Events: []outbox.Message{msg}}, nil
}
