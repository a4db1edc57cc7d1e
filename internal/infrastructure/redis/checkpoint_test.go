package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointKey(t *testing.T) {
	assert.Equal(t, "blockingest:checkpoint:ethereum/blocks/realtime", checkpointKey("ethereum/blocks/realtime"))
}

func TestNewCheckpointStore_RequiresAddr(t *testing.T) {
	_, err := NewCheckpointStore(context.Background(), Config{Addr: " "})
	assert.Error(t, err)
}

func TestCheckpointStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("BLOCKINGEST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BLOCKINGEST_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewCheckpointStore(ctx, Config{Addr: addr, TTL: time.Minute})
	require.NoError(t, err)
	defer store.Close()

	key := fmt.Sprintf("it-%d/blocks/realtime", time.Now().UnixNano())
	_, ok, err := store.LoadCheckpoint(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveCheckpoint(ctx, key, 41))
	require.NoError(t, store.SaveCheckpoint(ctx, key, 42))
	n, ok, err := store.LoadCheckpoint(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), n)
}
