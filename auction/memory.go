package auction

import (
	"context"
	"sort"
	"sync"
	"time"

	"carflow/lockmap"
	"carflow/outbox"
)

// MemoryStore keeps auctions in process. Events are appended to the shared
// outbox while the auction lock is held.
type MemoryStore struct {
	locks lockmap.Map

	mu       sync.RWMutex
	auctions map[string]Auction
	bids     map[string][]Bid

	outbox *outbox.Memory
}

// NewMemoryStore returns an empty store publishing to ob. A private outbox is
// created when ob is nil.
func NewMemoryStore(ob *outbox.Memory) *MemoryStore {
	if ob == nil {
		ob = outbox.NewMemory()
	}
	return &MemoryStore{
		auctions: make(map[string]Auction),
		bids:     make(map[string][]Bid),
		outbox:   ob,
	}
}

func (s *MemoryStore) Create(ctx context.Context, a Auction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return ErrDuplicate
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Auction, error) {
	if err := ctx.Err(); err != nil {
		return Auction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return Auction{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Bids(ctx context.Context, auctionID string) ([]Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.auctions[auctionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Bid(nil), s.bids[auctionID]...), nil
}

func (s *MemoryStore) LeadingBid(ctx context.Context, auctionID string) (Bid, bool, error) {
	if err := ctx.Err(); err != nil {
		return Bid{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[auctionID]
	if !ok {
		return Bid{}, false, ErrNotFound
	}
	b := s.leadingLocked(a)
	if b == nil {
		return Bid{}, false, nil
	}
	return *b, true, nil
}

func (s *MemoryStore) Apply(ctx context.Context, id string, fn ApplyFunc) (Auction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Auction{}, err
	}

	s.mu.RLock()
	current, ok := s.auctions[id]
	leading := s.leadingLocked(current)
	s.mu.RUnlock()
	if !ok {
		return Auction{}, ErrNotFound
	}

	mut, err := fn(current.Clone(), leading)
	if err != nil {
		return Auction{}, err
	}
	if mut == nil {
		return current.Clone(), nil
	}

	s.mu.Lock()
	s.auctions[id] = mut.Auction.Clone()
	if mut.Bid != nil {
		s.bids[id] = append(s.bids[id], *mut.Bid)
	}
	s.mu.Unlock()
	s.outbox.Append(mut.Events...)

	return mut.Auction.Clone(), nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var due []Auction
	for _, a := range s.auctions {
		if a.Status == StatusOpen && !a.CloseAt.After(now) {
			due = append(due, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].CloseAt.Before(due[j].CloseAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// leadingLocked resolves the leading-bid pointer. Callers hold s.mu.
func (s *MemoryStore) leadingLocked(a Auction) *Bid {
	if a.LeadingBidID == "" {
		return nil
	}
	ledger := s.bids[a.ID]
	for i := len(ledger) - 1; i >= 0; i-- {
		if ledger[i].ID == a.LeadingBidID {
			b := ledger[i]
			return &b
		}
	}
	return nil
}
