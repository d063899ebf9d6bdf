package escrow

import (
	"context"
	"sync"

	"carflow/lockmap"
	"carflow/outbox"
)

// MemoryStore keeps escrows in process.
type MemoryStore struct {
	locks lockmap.Map

	mu       sync.RWMutex
	escrows  map[string]Escrow
	bySource map[string]string

	outbox *outbox.Memory
}

// NewMemoryStore returns an empty store publishing to ob. A private outbox is
// created when ob is nil.
func NewMemoryStore(ob *outbox.Memory) *MemoryStore {
	if ob == nil {
		ob = outbox.NewMemory()
	}
	return &MemoryStore{
		escrows:  make(map[string]Escrow),
		bySource: make(map[string]string),
		outbox:   ob,
	}
}

func (s *MemoryStore) Create(ctx context.Context, e Escrow, events []outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return ErrDuplicate
	}
	if e.SourceRef != "" {
		if _, ok := s.bySource[e.SourceRef]; ok {
			return ErrDuplicate
		}
		s.bySource[e.SourceRef] = e.ID
	}
	s.escrows[e.ID] = e.Clone()
	s.outbox.Append(events...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Escrow, error) {
	if err := ctx.Err(); err != nil {
		return Escrow{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return Escrow{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) GetBySource(ctx context.Context, sourceRef string) (Escrow, error) {
	if err := ctx.Err(); err != nil {
		return Escrow{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySource[sourceRef]
	if !ok {
		return Escrow{}, ErrNotFound
	}
	return s.escrows[id].Clone(), nil
}

func (s *MemoryStore) Apply(ctx context.Context, id string, fn ApplyFunc) (Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Escrow{}, err
	}
	s.mu.RLock()
	current, ok := s.escrows[id]
	s.mu.RUnlock()
	if !ok {
		return Escrow{}, ErrNotFound
	}

	mut, err := fn(current.Clone())
	if err != nil {
		return Escrow{}, err
	}
	if mut == nil {
		return current.Clone(), nil
	}

	next := mut.Escrow.Clone()
	next.Audit = append(append([]AuditEntry(nil), current.Audit...), mut.Audit...)

	s.mu.Lock()
	s.escrows[id] = next
	s.mu.Unlock()
	s.outbox.Append(mut.Events...)

	return next.Clone(), nil
}
