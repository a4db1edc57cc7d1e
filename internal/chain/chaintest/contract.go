package chaintest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
)

type Factory func(t *testing.T, node *FakeNode) chain.Adapter

func RunAdapterContract(t *testing.T, chainName string, factory Factory) {
	t.Helper()

	t.Run("BlockByNumberWithinTip", func(t *testing.T) {
		node := NewFakeNode(10)
		defer node.Close()
		adapter := factory(t, node)
		defer adapter.Close()

		block, ok, err := adapter.BlockByNumber(context.Background(), 7)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(7), block.Number)
		assert.Equal(t, chainName, block.ChainName)
		assert.NotEmpty(t, block.Hash)
		assert.NotEmpty(t, block.ParentHash)
		assert.Equal(t, "131072", block.Difficulty)
		assert.Equal(t, uint64(1_700_000_000+7*12), block.Timestamp)
		assert.Equal(t, uint64(30_000_000), block.GasLimit)
		assert.Empty(t, block.Transactions)
	})

	t.Run("BlockBeyondTipIsNotAnError", func(t *testing.T) {
		node := NewFakeNode(10)
		defer node.Close()
		adapter := factory(t, node)
		defer adapter.Close()

		_, ok, err := adapter.BlockByNumber(context.Background(), 11)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("LatestBlockNumber", func(t *testing.T) {
		node := NewFakeNode(42)
		defer node.Close()
		adapter := factory(t, node)
		defer adapter.Close()

		tip, err := adapter.LatestBlockNumber(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(42), tip)
	})

	t.Run("UnavailableNodeIsTransient", func(t *testing.T) {
		node := NewFakeNode(10)
		defer node.Close()
		adapter := factory(t, node)
		defer adapter.Close()

		node.FailHTTP(http.StatusServiceUnavailable)
		_, _, err := adapter.BlockByNumber(context.Background(), 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, chain.ErrTransient)

		_, ok, err := adapter.BlockByNumber(context.Background(), 1)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("RejectedCredentialsArePermanent", func(t *testing.T) {
		node := NewFakeNode(10)
		defer node.Close()
		adapter := factory(t, node)
		defer adapter.Close()

		node.FailHTTP(http.StatusUnauthorized)
		_, err := adapter.LatestBlockNumber(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, chain.ErrPermanent)
	})

	t.Run("SubscriptionDeliversNewBlocksInOrder", func(t *testing.T) {
		node := NewFakeNode(5)
		defer node.Close()
		adapter := factory(t, node)
		defer adapter.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sink := make(chan domain.Block, 8)
		sub, err := adapter.SubscribeNewBlocks(ctx, sink)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		node.Mine()
		node.Mine()
		for _, want := range []uint64{6, 7} {
			select {
			case block := <-sink:
				assert.Equal(t, want, block.Number)
				assert.Equal(t, chainName, block.ChainName)
			case err := <-sub.Err():
				t.Fatalf("subscription failed: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for block %d", want)
			}
		}
	})
}
