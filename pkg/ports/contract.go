package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/portino/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunLeaseStoreContract runs a suite of tests to verify that a LeaseStore
// implementation adheres to the defined interface contract.
func RunLeaseStoreContract(t *testing.T, store LeaseStore) {
	ctx := context.Background()

	t.Run("Load Absent", func(t *testing.T) {
		lease, err := store.Load(ctx)
		require.NoError(t, err, "absent lease should not be an error")
		assert.Nil(t, lease)
	})

	t.Run("Store and Load", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		in := &domain.OwnerLease{
			PID:           4242,
			Port:          9317,
			Version:       "1.4.0",
			ExtensionPath: "/home/dev/.extensions/portino-1.4.0",
			OwnerClientID: "client-a",
			UpdatedAt:     now,
		}
		require.NoError(t, store.Store(ctx, in))

		out, err := store.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in.PID, out.PID)
		assert.Equal(t, in.Port, out.Port)
		assert.Equal(t, in.Version, out.Version)
		assert.Equal(t, in.OwnerClientID, out.OwnerClientID)
		assert.WithinDuration(t, in.UpdatedAt, out.UpdatedAt, time.Second)
		assert.Nil(t, out.LastTakeoverAt)
	})

	t.Run("Overwrite wins", func(t *testing.T) {
		takeover := time.Now().UTC().Truncate(time.Millisecond)
		in := &domain.OwnerLease{
			PID:            1,
			Port:           9317,
			OwnerClientID:  "client-b",
			UpdatedAt:      takeover,
			LastTakeoverAt: &takeover,
		}
		require.NoError(t, store.Store(ctx, in))

		out, err := store.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, "client-b", out.OwnerClientID)
		require.NotNil(t, out.LastTakeoverAt)
		assert.WithinDuration(t, takeover, *out.LastTakeoverAt, time.Second)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))
		lease, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, lease)

		// Clearing again must stay a no-op.
		require.NoError(t, store.Clear(ctx))
	})
}
