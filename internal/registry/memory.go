package registry

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[string]*Resource)}
}

func (s *MemoryStore) Create(ctx context.Context, res *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.resources[res.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	cp := *res
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Resource, 0, len(s.resources))
	for _, res := range s.resources {
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, res *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[res.ID]; !ok {
		return ErrResourceNotFound
	}
	cp := *res
	s.resources[res.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[id]; !ok {
		return ErrResourceNotFound
	}
	delete(s.resources, id)
	return nil
}
