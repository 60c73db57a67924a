// Package prefs is the local key/value store for remembered client state:
// the last identity, room and visibility, and per-room credentials. Three
// backends are provided: in-memory, a YAML file and a Redis hash.
package prefs

import (
	"context"
	"sync"
)

// Keys for remembered session values.
const (
	KeyIdentity   = "identity"
	KeyRoom       = "room"
	KeyVisibility = "visibility"

	credentialPrefix = "roomPassword:"
)

// CredentialKey returns the key under which a private room's secret is
// stored.
func CredentialKey(room string) string {
	return credentialPrefix + room
}

// Store is a last-write-wins string key/value store. Get reports a missing
// key as ("", false, nil).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}
