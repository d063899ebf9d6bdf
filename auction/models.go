package auction

import (
	"time"

	"carflow/money"
)

// Status represents the lifecycle of an auction.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// CancelReasonNoBids is recorded when an auction closes without bids.
const CancelReasonNoBids = "no_bids"

// Auction mirrors the auctions table.
type Auction struct {
	ID           string
	ItemID       string
	SellerID     string
	Currency     string
	Status       Status
	CloseAt      time.Time
	LeadingBidID string
	WinningBid   *Bid
	EscrowID     string
	CancelReason string
	Conditions   []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a copy that shares no mutable memory with a.
func (a Auction) Clone() Auction {
	out := a
	if a.WinningBid != nil {
		bid := *a.WinningBid
		out.WinningBid = &bid
	}
	if a.Conditions != nil {
		out.Conditions = append([]string(nil), a.Conditions...)
	}
	return out
}

// Bid is one accepted entry of an auction's ledger. Bids are never edited.
type Bid struct {
	ID        string      `json:"id"`
	AuctionID string      `json:"auction_id"`
	BidderID  string      `json:"bidder_id"`
	Amount    money.Money `json:"amount"`
	PlacedAt  time.Time   `json:"placed_at"`
	Seq       int         `json:"seq"`
}

// Outranks reports whether b sorts ahead of other in the ledger's total
// order: higher amount first, then earlier placement, then lower sequence.
// Bids in different currencies never outrank each other.
func (b Bid) Outranks(other Bid) bool {
	if b.Amount.Currency != other.Amount.Currency {
		return false
	}
	if c := b.Amount.Amount.Cmp(other.Amount.Amount); c != 0 {
		return c > 0
	}
	if !b.PlacedAt.Equal(other.PlacedAt) {
		return b.PlacedAt.Before(other.PlacedAt)
	}
	return b.Seq < other.Seq
}

const (
	TopicClosed    = "auction.closed"
	TopicCancelled = "auction.cancelled"
	TopicSettled   = "auction.settled"
)

// ClosedEvent is published when an auction closes with a winner.
type ClosedEvent struct {
	AuctionID  string    `json:"auction_id"`
	ItemID     string    `json:"item_id"`
	SellerID   string    `json:"seller_id"`
	WinningBid Bid       `json:"winning_bid"`
	Conditions []string  `json:"conditions,omitempty"`
	ClosedAt   time.Time `json:"closed_at"`
}

// CancelledEvent is published when an auction is cancelled, including a
// close without bids.
type CancelledEvent struct {
	AuctionID   string    `json:"auction_id"`
	ItemID      string    `json:"item_id"`
	SellerID    string    `json:"seller_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// SettledEvent is published once the escrow obligation of an auction exists.
type SettledEvent struct {
	AuctionID string    `json:"auction_id"`
	EscrowID  string    `json:"escrow_id"`
	SettledAt time.Time `json:"settled_at"`
}
