package widget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a process-lifetime config registry.
type InMemoryStore struct {
	mu      sync.RWMutex
	configs map[string]Config
	order   []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{configs: make(map[string]Config)}
}

func (s *InMemoryStore) Create(_ context.Context, params CreateParams) (Config, error) {
	if err := params.validate(); err != nil {
		return Config{}, err
	}
	cfg := newConfig(uuid.NewString(), params, time.Now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg
	s.order = append(s.order, cfg.ID)
	return cfg, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg, nil
}

func (s *InMemoryStore) GetByAPIKey(_ context.Context, apiKey string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if cfg := s.configs[id]; cfg.APIKey == apiKey {
			return cfg, nil
		}
	}
	return Config{}, ErrNotFound
}

func (s *InMemoryStore) Close() error { return nil }
