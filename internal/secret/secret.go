// Package secret isolates credential storage behind a small pluggable
// interface, so the session repository never needs to know where passwords
// actually live. Implementations ship for an encrypted file and for plain
// process memory.
package secret

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Retrieve when nothing is stored under a name.
var ErrNotFound = errors.New("secret not found")

// Store saves and recalls named secrets. Implementations must be safe for
// concurrent use.
type Store interface {
	Store(name, secret string) error
	Retrieve(name string) (string, error)
}

// MemoryStore keeps secrets in process memory only. It backs tests and
// short-lived tooling where persistence is unwanted.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Store saves secret under name, replacing any previous value.
func (m *MemoryStore) Store(name, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = secret
	return nil
}

// Retrieve returns the secret stored under name.
func (m *MemoryStore) Retrieve(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[name]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}
