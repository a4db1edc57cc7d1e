package sqlite

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"

	"blockingest/internal/infrastructure/sqlstore"
)

// Dialect stores numeric columns as TEXT to keep 256-bit precision.
var Dialect = sqlstore.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			chain_name TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			hash TEXT NOT NULL,
			parent_hash TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			miner TEXT NOT NULL,
			difficulty TEXT NOT NULL,
			total_difficulty TEXT,
			gas_used INTEGER NOT NULL,
			gas_limit INTEGER NOT NULL,
			size INTEGER NOT NULL,
			receipts_root TEXT NOT NULL,
			tx_count INTEGER NOT NULL,
			transactions_json TEXT NOT NULL,
			PRIMARY KEY (chain_name, block_number)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			chain_name TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			tx_hash TEXT NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT,
			value TEXT NOT NULL,
			gas_price TEXT NOT NULL,
			gas INTEGER NOT NULL,
			input TEXT NOT NULL,
			nonce INTEGER NOT NULL,
			PRIMARY KEY (chain_name, tx_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS tx_block_idx ON transactions (chain_name, block_number)`,
	},
	InsertBlock: `INSERT INTO blocks (chain_name, block_number, hash, parent_hash, timestamp, miner, difficulty, total_difficulty, gas_used, gas_limit, size, receipts_root, tx_count, transactions_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_name, block_number) DO NOTHING`,
	InsertTransaction: `INSERT INTO transactions (chain_name, block_number, tx_hash, from_address, to_address, value, gas_price, gas, input, nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_name, tx_hash) DO NOTHING`,
}

func Open(ctx context.Context, path string) (*sqlstore.Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, Dialect)
}
