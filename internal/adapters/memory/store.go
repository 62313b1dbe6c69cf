// Package memory provides an in-memory LeaseStore, mainly for tests and
// single-process setups.
package memory

import (
	"context"
	"sync"

	"github.com/aretw0/portino/pkg/domain"
)

// Store implements ports.LeaseStore in memory.
type Store struct {
	mu    sync.Mutex
	lease *domain.OwnerLease
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the current lease, or nil when absent.
func (s *Store) Load(ctx context.Context) (*domain.OwnerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return nil, nil
	}
	cp := *s.lease
	return &cp, nil
}

// Store overwrites the lease.
func (s *Store) Store(ctx context.Context, lease *domain.OwnerLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *lease
	s.lease = &cp
	return nil
}

// Clear removes the lease.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = nil
	return nil
}
