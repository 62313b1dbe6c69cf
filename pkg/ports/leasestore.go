package ports

import (
	"context"

	"github.com/aretw0/portino/pkg/domain"
)

// LeaseStore persists the shared owner lease. There is deliberately no
// locking: callers perform read-modify-write and the last writer wins.
// Implementations must treat malformed or partial content as an absent lease
// rather than an error.
type LeaseStore interface {
	// Load returns the current lease, or (nil, nil) when absent or unreadable.
	Load(ctx context.Context) (*domain.OwnerLease, error)

	// Store overwrites the lease record.
	Store(ctx context.Context, lease *domain.OwnerLease) error

	// Clear removes the lease record. Clearing an absent lease is not an error.
	Clear(ctx context.Context) error
}
