// Package auction owns auctions and their bid ledgers.
//
// Every mutation runs inside Store.Apply, which gives the caller exclusive
// access to one auction, so comparing a bid with the leading bid and
// appending it is a single step.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"carflow/failure"
	"carflow/money"
	"carflow/outbox"
)

var (
	ErrInvalidAuction    = failure.New(failure.KindValidation, "auction: invalid auction")
	ErrInvalidBid        = failure.New(failure.KindValidation, "auction: invalid bid")
	ErrSellerBid         = failure.New(failure.KindValidation, "auction: seller cannot bid on own auction")
	ErrAuctionNotOpen    = failure.New(failure.KindPrecondition, "auction: not open")
	ErrBidTooLow         = failure.New(failure.KindConflict, "auction: bid does not exceed leading bid")
	ErrAlreadyClosed     = failure.New(failure.KindPrecondition, "auction: already closed")
	ErrNotYetDue         = failure.New(failure.KindPrecondition, "auction: close deadline not reached")
	ErrInvalidTransition = failure.New(failure.KindPrecondition, "auction: invalid status transition")
)

type Service struct {
	store       Store
	now         func() time.Time
	idGenerator func() string
	logger      *slog.Logger
}

func NewService(store Store) *Service {
	return &Service{
		store:       store,
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

// PublishParams describes a new auction.
type PublishParams struct {
	ItemID   string
	SellerID string
	Currency string
	CloseAt  time.Time
	// Conditions are requested on the escrow created when the auction
	// settles. Empty means the coordinator's defaults.
	Conditions []string
}

// Publish opens an auction for bidding.
func (s *Service) Publish(ctx context.Context, params PublishParams) (Auction, error) {
	itemID := strings.TrimSpace(params.ItemID)
	sellerID := strings.TrimSpace(params.SellerID)
	if itemID == "" || sellerID == "" {
		return Auction{}, fmt.Errorf("auction: publish: item and seller required: %w", ErrInvalidAuction)
	}
	currency := money.NormalizeCurrency(params.Currency)
	if err := money.ValidateCurrency(currency); err != nil {
		return Auction{}, fmt.Errorf("auction: publish: %w", err)
	}
	now := s.now().UTC()
	if !params.CloseAt.After(now) {
		return Auction{}, fmt.Errorf("auction: publish: close deadline must be in the future: %w", ErrInvalidAuction)
	}
	conditions, err := normalizeConditions(params.Conditions)
	if err != nil {
		return Auction{}, err
	}

	a := Auction{
		ID:         s.idGenerator(),
		ItemID:     itemID,
		SellerID:   sellerID,
		Currency:   currency,
		Status:     StatusOpen,
		CloseAt:    params.CloseAt.UTC(),
		Conditions: conditions,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return Auction{}, fmt.Errorf("auction: publish: %w", err)
	}
	s.logger.Info("auction published",
		slog.String("auction_id", a.ID),
		slog.String("item_id", a.ItemID),
		slog.Time("close_at", a.CloseAt),
	)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (Auction, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Auction{}, fmt.Errorf("auction: get %s: %w", id, err)
	}
	return a, nil
}

func normalizeConditions(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, fmt.Errorf("auction: publish: empty condition name: %w", ErrInvalidAuction)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) event(topic, key string, payload any, now time.Time) (outbox.Message, error) {
	msg, err := outbox.NewMessage(topic, key, payload, now)
	if err != nil {
		return outbox.Message{}, fmt.Errorf("auction: %w", err)
	}
	return msg, nil
}
