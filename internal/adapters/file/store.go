// Package file provides the default LeaseStore: a JSON file in the system
// temp directory shared by every process on the machine.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/portino/pkg/domain"
)

// Store implements ports.LeaseStore on the local filesystem. Writes are
// plain overwrites: the lease is deliberately unlocked, last-writer-wins
// state, and lost updates under concurrent writers are tolerated by the
// ownership policy.
type Store struct {
	Path string
}

// DefaultPath returns the conventional lease location under the system temp
// directory.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), ".boardlab", "monitor-bridge", "owner-lease.json")
}

// New creates a store at the given path, or at DefaultPath when empty.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{Path: path}
}

// Load reads the lease. Malformed or partial content is treated as an absent
// lease, not an error: a half-written file from a dying process must never
// wedge arbitration.
func (s *Store) Load(ctx context.Context) (*domain.OwnerLease, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil
	}
	return decodeLenient(raw), nil
}

// decodeLenient maps whatever fields are present onto the lease record,
// weakly typed so e.g. a pid serialized as a string still decodes. Returns
// nil when nothing usable is present.
func decodeLenient(raw map[string]any) *domain.OwnerLease {
	var lease domain.OwnerLease
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &lease,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return nil
	}
	if err := dec.Decode(raw); err != nil {
		return nil
	}
	if lease.Port == 0 && lease.OwnerClientID == "" {
		return nil
	}
	return &lease
}

// Store writes the lease as 2-space indented JSON, creating the containing
// directory as needed.
func (s *Store) Store(ctx context.Context, lease *domain.OwnerLease) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("failed to ensure lease directory: %w", err)
	}

	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}

	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lease file: %w", err)
	}
	return nil
}

// Clear removes the lease file. A missing file is not an error.
func (s *Store) Clear(ctx context.Context) error {
	err := os.Remove(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete lease file: %w", err)
	}
	return nil
}
