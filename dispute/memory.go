package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"carflow/lockmap"
	"carflow/outbox"
)

// MemoryStore keeps disputes in process.
type MemoryStore struct {
	locks lockmap.Map

	mu       sync.RWMutex
	disputes map[string]Record
	messages map[string][]Message

	outbox *outbox.Memory
}

// NewMemoryStore returns an empty store publishing to ob. A private outbox is
// created when ob is nil.
func NewMemoryStore(ob *outbox.Memory) *MemoryStore {
	if ob == nil {
		ob = outbox.NewMemory()
	}
	return &MemoryStore{
		disputes: make(map[string]Record),
		messages: make(map[string][]Message),
		outbox:   ob,
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record, events []outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[rec.ID]; ok {
		return ErrDuplicate
	}
	s.disputes[rec.ID] = rec.Clone()
	s.outbox.Append(events...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Apply(ctx context.Context, id string, fn ApplyFunc) (Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	current, ok := s.disputes[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}

	mut, err := fn(current.Clone())
	if err != nil {
		return Record{}, err
	}
	if mut == nil {
		return current.Clone(), nil
	}

	next := mut.Record.Clone()
	next.Votes = append([]Vote(nil), current.Votes...)
	if mut.Vote != nil {
		next.Votes = append(next.Votes, *mut.Vote)
	}

	s.mu.Lock()
	s.disputes[id] = next
	if mut.Message != nil {
		s.messages[id] = append(s.messages[id], cloneMessage(*mut.Message))
	}
	s.mu.Unlock()
	s.outbox.Append(mut.Events...)

	return next.Clone(), nil
}

func (s *MemoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []Record
	for _, rec := range s.disputes {
		if rec.Status != StatusResolved && !rec.CreatedAt.After(before) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Messages(ctx context.Context, disputeID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.disputes[disputeID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Message, 0, len(s.messages[disputeID]))
	for _, m := range s.messages[disputeID] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func cloneMessage(m Message) Message {
	m.Attachments = append([]string(nil), m.Attachments...)
	return m
}
