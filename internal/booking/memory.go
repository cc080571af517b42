package booking

import (
	"context"
	"sync"
	"time"

	"robotlab/internal/keylock"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	locks    *keylock.Locker
	mu       sync.RWMutex
	bookings map[string]*Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    keylock.New(),
		bookings: make(map[string]*Booking),
	}
}

func (s *MemoryStore) WithResourceLock(ctx context.Context, resourceID string, fn func(ctx context.Context, tx Tx) error) error {
	unlock := s.locks.Lock(resourceID)
	defer unlock()
	return fn(ctx, memoryTx{s})
}

type memoryTx struct {
	s *MemoryStore
}

func (t memoryTx) ListLive(ctx context.Context, resourceID string) ([]*Booking, error) {
	return t.s.ListLiveByResource(ctx, resourceID)
}

func (t memoryTx) Insert(ctx context.Context, b *Booking) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *b
	t.s.bookings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Booking, error) {
	return s.filter(func(b *Booking) bool { return b.UserID == userID }), nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]*Booking, error) {
	return s.filter(func(*Booking) bool { return true }), nil
}

func (s *MemoryStore) ListLiveByResource(ctx context.Context, resourceID string) ([]*Booking, error) {
	return s.filter(func(b *Booking) bool { return b.ResourceID == resourceID && b.Live() }), nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id, cancelledBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	if b.Status == StatusCancelled {
		return nil
	}
	b.Status = StatusCancelled
	b.CancelledAt = &at
	b.CancelledBy = cancelledBy
	return nil
}

func (s *MemoryStore) filter(keep func(*Booking) bool) []*Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Booking
	for _, b := range s.bookings {
		if keep(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out
}
