package quota

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process setups
// without durable quota requirements.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[uuid.UUID]Window
}

// NewMemoryStore creates an empty in-memory quota store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[uuid.UUID]Window)}
}

func (s *MemoryStore) Load(_ context.Context, configID uuid.UUID) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[configID]
	if !ok {
		w = Window{ConfigID: configID, Version: 1}
		s.windows[configID] = w
	}
	return w, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, w Window) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.windows[w.ConfigID]
	if !ok || current.Version != w.Version {
		return false, nil
	}
	w.Version++
	s.windows[w.ConfigID] = w
	return true, nil
}
