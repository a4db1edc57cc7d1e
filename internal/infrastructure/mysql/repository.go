package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"blockingest/internal/infrastructure/sqlstore"
)

// Dialect stores blocks in InnoDB tables. The no-op ON DUPLICATE KEY UPDATE
// reports zero affected rows for an existing key without touching the row.
var Dialect = sqlstore.Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			chain_name VARCHAR(64) NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			hash VARCHAR(66) NOT NULL,
			parent_hash VARCHAR(66) NOT NULL,
			timestamp BIGINT UNSIGNED NOT NULL,
			miner VARCHAR(42) NOT NULL,
			difficulty DECIMAL(65,0) NOT NULL,
			total_difficulty DECIMAL(65,0) NULL,
			gas_used BIGINT UNSIGNED NOT NULL,
			gas_limit BIGINT UNSIGNED NOT NULL,
			size BIGINT UNSIGNED NOT NULL,
			receipts_root VARCHAR(66) NOT NULL,
			tx_count INT UNSIGNED NOT NULL,
			transactions_json LONGTEXT NOT NULL,
			PRIMARY KEY (chain_name, block_number)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			chain_name VARCHAR(64) NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			from_address VARCHAR(42) NOT NULL,
			to_address VARCHAR(42) NULL,
			value DECIMAL(65,0) NOT NULL,
			gas_price DECIMAL(65,0) NOT NULL,
			gas BIGINT UNSIGNED NOT NULL,
			input MEDIUMTEXT NOT NULL,
			nonce BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (chain_name, tx_hash),
			KEY tx_block_idx (chain_name, block_number),
			KEY tx_from_idx (chain_name, from_address),
			KEY tx_to_idx (chain_name, to_address)
		)`,
	},
	InsertBlock: `INSERT INTO blocks (chain_name, block_number, hash, parent_hash, timestamp, miner, difficulty, total_difficulty, gas_used, gas_limit, size, receipts_root, tx_count, transactions_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE chain_name = chain_name`,
	InsertTransaction: `INSERT INTO transactions (chain_name, block_number, tx_hash, from_address, to_address, value, gas_price, gas, input, nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE chain_name = chain_name`,
}

func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, Dialect)
}
