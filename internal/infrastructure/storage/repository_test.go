package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockingest/internal/config"
)

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "rows.db")})
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.Ping(ctx))
	_, ok, err := repo.LatestBlockNumber(ctx, "devnet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, config.DatabaseConfig{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
	assert.Nil(t, repo)

	repo, err = Open(ctx, config.DatabaseConfig{Driver: config.DriverMySQL})
	assert.Error(t, err)
	assert.Nil(t, repo)
}
