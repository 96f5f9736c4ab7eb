package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the live configuration behind an atomic pointer so hot
// paths read it without locking. Swap installs a new configuration and
// notifies subscribers; readers may keep using the old snapshot until
// their next Load.
type Store struct {
	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(old, new *Config)
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Load returns the current configuration. The returned value must be
// treated as read-only.
func (s *Store) Load() *Config {
	return s.current.Load()
}

// Swap validates and installs a new configuration, then invokes the
// subscribers in registration order.
func (s *Store) Swap(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	old := s.current.Swap(cfg)

	s.mu.Lock()
	subs := make([]func(old, new *Config), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(old, cfg)
	}
	return nil
}

// Subscribe registers a callback invoked after every successful Swap.
func (s *Store) Subscribe(fn func(old, new *Config)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}
