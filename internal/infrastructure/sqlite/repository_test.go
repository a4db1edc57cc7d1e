package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockingest/internal/domain"
	"blockingest/internal/infrastructure/sqlstore"
)

func openTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func block(chainName string, n uint64, txs int) domain.Block {
	b := domain.Block{
		ChainName:       chainName,
		Number:          n,
		Hash:            fmt.Sprintf("0x%064x", n),
		ParentHash:      fmt.Sprintf("0x%064x", n-1),
		Timestamp:       1_700_000_000 + n*12,
		Miner:           "0x0000000000000000000000000000000000000001",
		Difficulty:      "0",
		TotalDifficulty: "58750003716598352816469",
		GasUsed:         21_000 * uint64(txs),
		GasLimit:        30_000_000,
		Size:            600,
		ReceiptsRoot:    "0x01",
	}
	for i := 0; i < txs; i++ {
		b.Transactions = append(b.Transactions, domain.Transaction{
			Hash:        fmt.Sprintf("0x%064x", n*100+uint64(i)),
			BlockNumber: n,
			From:        "0x00000000000000000000000000000000000000f0",
			To:          "0x00000000000000000000000000000000000000f1",
			Value:       "115792089237316195423570985008687907853269984665640564039457584007913129639935",
			GasPrice:    "30000000000",
			Gas:         21_000,
			Input:       "0x",
			Nonce:       uint64(i),
		})
	}
	return b
}

func countRows(t *testing.T, store *sqlstore.Store, table, chainName string) int {
	t.Helper()
	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM "+table+" WHERE chain_name = ?", chainName).Scan(&n))
	return n
}

func TestPersistBlock_DoubleDeliveryStoresOneRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	b := block("devnet", 50, 2)

	first, err := store.PersistBlock(ctx, b)
	require.NoError(t, err)
	assert.True(t, first.BlockInserted)
	assert.Equal(t, 2, first.TransactionsInserted)

	second, err := store.PersistBlock(ctx, b)
	require.NoError(t, err)
	assert.False(t, second.BlockInserted)
	assert.Zero(t, second.TransactionsInserted)
	assert.Equal(t, "duplicate", second.Result(b.Hash))

	assert.Equal(t, 1, countRows(t, store, "blocks", "devnet"))
	assert.Equal(t, 2, countRows(t, store, "transactions", "devnet"))
}

func TestPersistBlock_ConflictKeepsStoredRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	b := block("devnet", 7, 0)
	_, err := store.PersistBlock(ctx, b)
	require.NoError(t, err)

	forged := b
	forged.Hash = "0xbad"
	outcome, err := store.PersistBlock(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, "conflict", outcome.Result(forged.Hash))
	assert.Equal(t, b.Hash, outcome.StoredHash)

	var hash string
	require.NoError(t, store.DB().QueryRow("SELECT hash FROM blocks WHERE chain_name = ? AND block_number = ?", "devnet", 7).Scan(&hash))
	assert.Equal(t, b.Hash, hash)
}

func TestPersistBlock_ConflictWritesNoTransactions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	b := block("devnet", 50, 1)
	_, err := store.PersistBlock(ctx, b)
	require.NoError(t, err)

	fork := block("devnet", 50, 1)
	fork.Hash = "0xf0"
	fork.Transactions[0].Hash = "0xbb"
	outcome, err := store.PersistBlock(ctx, fork)
	require.NoError(t, err)
	assert.Equal(t, "conflict", outcome.Result(fork.Hash))
	assert.Zero(t, outcome.TransactionsInserted)

	assert.Equal(t, 1, countRows(t, store, "transactions", "devnet"))
	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM transactions WHERE tx_hash = ?", "0xbb").Scan(&n))
	assert.Zero(t, n)
}

func TestPersistBlock_ChainsAreIndependent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.PersistBlock(ctx, block("devnet", 1, 1))
	require.NoError(t, err)
	outcome, err := store.PersistBlock(ctx, block("testnet", 1, 1))
	require.NoError(t, err)
	assert.True(t, outcome.BlockInserted)
	assert.Equal(t, 1, outcome.TransactionsInserted)
}

func TestPersistBlock_KeepsFullPrecisionAndNullRecipient(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	b := block("devnet", 3, 1)
	b.Transactions[0].To = ""
	_, err := store.PersistBlock(ctx, b)
	require.NoError(t, err)

	var value string
	var to *string
	require.NoError(t, store.DB().QueryRow("SELECT value, to_address FROM transactions WHERE chain_name = ?", "devnet").Scan(&value, &to))
	assert.Equal(t, b.Transactions[0].Value, value)
	assert.Nil(t, to)

	var txJSON string
	require.NoError(t, store.DB().QueryRow("SELECT transactions_json FROM blocks WHERE chain_name = ?", "devnet").Scan(&txJSON))
	assert.Contains(t, txJSON, `"nonce":0`)
}

func TestLatestBlockNumber(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LatestBlockNumber(ctx, "devnet")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, n := range []uint64{4, 9, 6} {
		_, err := store.PersistBlock(ctx, block("devnet", n, 0))
		require.NoError(t, err)
	}
	_, err = store.PersistBlock(ctx, block("testnet", 100, 0))
	require.NoError(t, err)

	n, ok, err := store.LatestBlockNumber(ctx, "devnet")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(9), n)
}

func TestMigrate_IsRepeatable(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
}
