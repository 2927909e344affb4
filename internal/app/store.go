package app

import (
	"sync"

	"github.com/dkeye/stage/internal/domain"
)

// ResourceStore is the authoritative map of live engine resources.
// Last write wins on Put; removing a missing id is a no-op. Callers
// that need a missing id to be an error check existence themselves.
type ResourceStore struct {
	mu        sync.RWMutex
	resources map[domain.ResourceID]*domain.Resource
}

func NewResourceStore() *ResourceStore {
	return &ResourceStore{
		resources: make(map[domain.ResourceID]*domain.Resource),
	}
}

func (s *ResourceStore) Put(res domain.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[res.ID] = &res
}

func (s *ResourceStore) Get(id domain.ResourceID) (domain.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[id]
	if !ok {
		return domain.Resource{}, false
	}
	return *res, true
}

func (s *ResourceStore) Remove(id domain.ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, id)
}

// SetAvailable flips a producer's availability flag. It reports false
// when the id is unknown or not a producer.
func (s *ResourceStore) SetAvailable(id domain.ResourceID, available bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok || res.Kind != domain.KindProducer {
		return false
	}
	res.Available = available
	return true
}

// Available reports whether id is a producer that finished its
// two-phase publish.
func (s *ResourceStore) Available(id domain.ResourceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[id]
	return ok && res.Kind == domain.KindProducer && res.Available
}

func (s *ResourceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}
