package auction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"carflow/money"
)

// SubmitBid appends a bid to the auction's ledger if it strictly exceeds the
// leading bid. The comparison and the append happen under the auction's lock.
func (s *Service) SubmitBid(ctx context.Context, auctionID, bidderID string, amount money.Money) (Bid, error) {
	bidderID = strings.TrimSpace(bidderID)
	if auctionID == "" || bidderID == "" {
		return Bid{}, fmt.Errorf("auction: submit bid: auction and bidder required: %w", ErrInvalidBid)
	}
	if err := amount.Validate(); err != nil {
		return Bid{}, fmt.Errorf("auction: submit bid: %w", err)
	}

	var accepted Bid
	_, err := s.store.Apply(ctx, auctionID, func(current Auction, leading *Bid) (*Mutation, error) {
		now := s.now().UTC()
		if current.Status != StatusOpen || !now.Before(current.CloseAt) {
			return nil, ErrAuctionNotOpen
		}
		if bidderID == current.SellerID {
			return nil, ErrSellerBid
		}
		if amount.Currency != current.Currency {
			return nil, fmt.Errorf("auction: bid in %s on %s auction: %w", amount.Currency, current.Currency, money.ErrCurrencyMismatch)
		}

		bid := Bid{
			ID:        s.idGenerator(),
			AuctionID: current.ID,
			BidderID:  bidderID,
			Amount:    amount,
			PlacedAt:  now,
			Seq:       1,
		}
		if leading != nil {
			bid.Seq = leading.Seq + 1
			if amount.Equal(leading.Amount) || !bid.Outranks(*leading) {
				return nil, ErrBidTooLow
			}
		}

		current.LeadingBidID = bid.ID
		current.UpdatedAt = now
		accepted = bid
		return &Mutation{Auction: current, Bid: &bid}, nil
	})
	if err != nil {
		return Bid{}, fmt.Errorf("auction: submit bid on %s: %w", auctionID, err)
	}

	s.logger.Debug("bid accepted",
		slog.String("auction_id", auctionID),
		slog.String("bid_id", accepted.ID),
		slog.String("amount", accepted.Amount.String()),
	)
	return accepted, nil
}

// LeadingBid returns the highest accepted bid, if any.
func (s *Service) LeadingBid(ctx context.Context, auctionID string) (Bid, bool, error) {
	b, ok, err := s.store.LeadingBid(ctx, auctionID)
	if err != nil {
		return Bid{}, false, fmt.Errorf("auction: leading bid of %s: %w", auctionID, err)
	}
	return b, ok, nil
}

// Bids returns the full ledger in acceptance order.
func (s *Service) Bids(ctx context.Context, auctionID string) ([]Bid, error) {
	bids, err := s.store.Bids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("auction: bids of %s: %w", auctionID, err)
	}
	return bids, nil
}
