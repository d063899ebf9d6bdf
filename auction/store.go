package auction

import (
	"context"
	"time"

	"carflow/failure"
	"carflow/outbox"
)

var (
	ErrNotFound  = failure.New(failure.KindNotFound, "auction: not found")
	ErrDuplicate = failure.New(failure.KindConflict, "auction: already exists")
)

// Mutation is the result of one exclusive step on an auction. The store
// commits all of it or none of it.
type Mutation struct {
	Auction Auction
	// Bid is appended to the ledger when set.
	Bid    *Bid
	Events []outbox.Message
}

// ApplyFunc inspects the current auction and its leading bid (nil when the
// ledger is empty) and returns the change to commit. A nil mutation commits
// nothing.
type ApplyFunc func(current Auction, leading *Bid) (*Mutation, error)

// Store persists auctions and their bid ledgers.
type Store interface {
	Create(ctx context.Context, a Auction) error
	Get(ctx context.Context, id string) (Auction, error)
	// Bids returns the ledger of an auction in acceptance order.
	Bids(ctx context.Context, auctionID string) ([]Bid, error)
	LeadingBid(ctx context.Context, auctionID string) (Bid, bool, error)
	// Apply runs fn with exclusive access to the auction and commits its
	// mutation atomically. It returns the auction as committed.
	Apply(ctx context.Context, id string, fn ApplyFunc) (Auction, error)
	// ListDue returns open auctions whose deadline is at or before now,
	// earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Auction, error)
}
