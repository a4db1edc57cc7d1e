package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStore_InMemory(t *testing.T) {
	store, err := Open("")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, ok, err := store.LoadCheckpoint(ctx, "ethereum/blocks/historical")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveCheckpoint(ctx, "ethereum/blocks/historical", 17_000_000))
	require.NoError(t, store.SaveCheckpoint(ctx, "ethereum/blocks/realtime", 18_000_000))

	n, ok, err := store.LoadCheckpoint(ctx, "ethereum/blocks/historical")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(17_000_000), n)
}

func TestCheckpointStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, "devnet/blocks/realtime", 99))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()
	n, ok, err := store.LoadCheckpoint(ctx, "devnet/blocks/realtime")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(99), n)
}

func TestCheckpointStore_HonoursCancelledContext(t *testing.T) {
	store, err := Open("")
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.SaveCheckpoint(ctx, "k", 1), context.Canceled)
}
