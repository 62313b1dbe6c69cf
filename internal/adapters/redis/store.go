// Package redis provides a LeaseStore on Redis, for setups where the bridge
// and its clients do not share a filesystem (remote dev hosts, containers).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/portino/pkg/domain"
)

// Store implements ports.LeaseStore using Redis. The lease lives under a
// single key; like the file store there is no locking and the last writer
// wins.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets an expiration on the lease key. Zero keeps it forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "portino:monitor-bridge:",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) key() string {
	return s.prefix + "owner-lease"
}

// Load retrieves the lease. A missing key or undecodable value is an absent
// lease.
func (s *Store) Load(ctx context.Context) (*domain.OwnerLease, error) {
	val, err := s.client.Get(ctx, s.key()).Result()
	if err != nil {
		if err == backend.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load lease from redis: %w", err)
	}

	var lease domain.OwnerLease
	if err := json.Unmarshal([]byte(val), &lease); err != nil {
		return nil, nil
	}
	return &lease, nil
}

// Store overwrites the lease.
func (s *Store) Store(ctx context.Context, lease *domain.OwnerLease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save lease to redis: %w", err)
	}
	return nil
}

// Clear removes the lease key.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("failed to delete lease from redis: %w", err)
	}
	return nil
}
