package configs

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryProvider is an in-memory Provider for tests.
type MemoryProvider struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]SendingConfiguration
}

// NewMemoryProvider creates a provider holding the given configurations.
func NewMemoryProvider(cfgs ...SendingConfiguration) *MemoryProvider {
	p := &MemoryProvider{byID: make(map[uuid.UUID]SendingConfiguration)}
	for _, cfg := range cfgs {
		p.byID[cfg.ID] = cfg
	}
	return p
}

// Put inserts or replaces a configuration.
func (p *MemoryProvider) Put(cfg SendingConfiguration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[cfg.ID] = cfg
}

// Remove deletes a configuration.
func (p *MemoryProvider) Remove(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
}

func (p *MemoryProvider) Get(_ context.Context, id uuid.UUID) (*SendingConfiguration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg, ok := p.byID[id]
	if !ok || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	copied := cfg
	return &copied, nil
}

func (p *MemoryProvider) List(_ context.Context) ([]SendingConfiguration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]SendingConfiguration, 0, len(p.byID))
	for _, cfg := range p.byID {
		if cfg.APIKey != "" {
			out = append(out, cfg)
		}
	}
	return out, nil
}
