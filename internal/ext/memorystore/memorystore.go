// Package memorystore provides a reference, in-process "hash-map
// database" Extension. It is what this module's own tests and small
// deployments use for persistence; production deployments substitute
// a real database-backed extension.
package memorystore

import (
	"context"
	"sync"

	"github.com/Polqt/collabd/internal/ext"
)

// Store is an in-memory map[documentName][]byte persistence extension.
type Store struct {
	ext.Base

	mu    sync.RWMutex
	state map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: make(map[string][]byte)}
}

// Priority runs after any higher-priority ACL/auth extensions an
// operator configures ahead of persistence.
func (s *Store) Priority() int32 { return 0 }

// OnLoadDocument sets the payload's state from the in-memory map, if
// present.
func (s *Store) OnLoadDocument(ctx context.Context, p *ext.OnLoadDocumentPayload) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.state[p.DocumentName]; ok {
		buf := make([]byte, len(b))
		copy(buf, b)
		p.SetState(buf)
	}
	return nil
}

// OnStoreDocument writes the payload's state back into the map.
func (s *Store) OnStoreDocument(ctx context.Context, p *ext.OnStoreDocumentPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(p.State))
	copy(buf, p.State)
	s.state[p.DocumentName] = buf
	return nil
}

// Snapshot returns a copy of the persisted state for documentName, for
// tests and diagnostics. The second return is false if nothing has
// been stored yet.
func (s *Store) Snapshot(documentName string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state[documentName]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}
