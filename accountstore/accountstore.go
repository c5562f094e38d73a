// Package accountstore defines the persistence interface spec.md §4.10/§6
// names (C11): one opaque blob per pubkey, holding a signer's serialized
// payload. The core never implements a platform-specific secure backend —
// that is explicitly out of scope (spec.md §1) — but it does ship an
// in-memory reference implementation, the same way the teacher ships
// concrete implementations of its own interfaces (protocol.EventSigner)
// rather than leaving every interface unimplemented in the tree.
package accountstore

import (
	"context"
	"sync"
)

// Store persists one opaque blob per pubkey. Every method is total: Load
// returns ok=false rather than an error when the key is absent, matching
// spec.md §6's "no throw on not-found" contract.
type Store interface {
	Save(ctx context.Context, pubkey string, blob []byte) error
	Load(ctx context.Context, pubkey string) (blob []byte, ok bool, err error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, pubkey string) error
}

// InMemory is a reference Store backed by a guarded map. It is suitable for
// tests and for demo-CLI runs; real applications back Store with whatever
// secure storage their platform provides (spec.md §1 Non-goals).
type InMemory struct {
	mu   sync.RWMutex
	blob map[string][]byte
}

// NewInMemory creates an empty in-memory account store.
func NewInMemory() *InMemory {
	return &InMemory{blob: make(map[string][]byte)}
}

func (s *InMemory) Save(_ context.Context, pubkey string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.blob[pubkey] = cp
	return nil
}

func (s *InMemory) Load(_ context.Context, pubkey string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blob[pubkey]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true, nil
}

func (s *InMemory) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blob))
	for k := range s.blob {
		out = append(out, k)
	}
	return out, nil
}

func (s *InMemory) Delete(_ context.Context, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blob, pubkey)
	return nil
}
