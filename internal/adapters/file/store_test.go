package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/portino/internal/adapters/file"
	"github.com/aretw0/portino/pkg/domain"
	"github.com/aretw0/portino/pkg/ports"
)

func TestFileStore_Contract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "owner-lease.json")
	store := file.New(path)
	ports.RunLeaseStoreContract(t, store)
}

func TestFileStore_LenientRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "owner-lease.json")
	store := file.New(path)

	cases := map[string]string{
		"truncated json": `{"pid": 123, "port": 9317, "owner`,
		"not an object":  `[1,2,3]`,
		"empty object":   `{}`,
		"garbage":        `this is not json`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			lease, err := store.Load(ctx)
			require.NoError(t, err, "malformed content is absent, never an error")
			assert.Nil(t, lease)
		})
	}

	// Partial but usable content decodes; unknown fields are ignored and a
	// stringly-typed pid still lands.
	require.NoError(t, os.WriteFile(path, []byte(
		`{"pid": "321", "port": 9317, "ownerClientId": "w1", "futureField": true}`,
	), 0o644))
	lease, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, 321, lease.PID)
	assert.Equal(t, 9317, lease.Port)
	assert.Equal(t, "w1", lease.OwnerClientID)
}

func TestFileStore_WritesIndentedJSONAndCreatesDir(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a", "b", "owner-lease.json")
	store := file.New(path)

	require.NoError(t, store.Store(ctx, leaseFixture()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"pid\":", "2-space indentation")
	assert.Contains(t, string(data), `"ownerClientId"`)
}

func leaseFixture() *domain.OwnerLease {
	return &domain.OwnerLease{
		PID:           4242,
		Port:          9317,
		Version:       "1.4.0",
		OwnerClientID: "w1",
		UpdatedAt:     time.Now().UTC(),
	}
}

func TestDefaultPath(t *testing.T) {
	p := file.DefaultPath()
	assert.Contains(t, p, filepath.Join(".boardlab", "monitor-bridge", "owner-lease.json"))
}
