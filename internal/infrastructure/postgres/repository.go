package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		chain_name TEXT NOT NULL,
		block_number BIGINT NOT NULL,
		hash TEXT NOT NULL,
		parent_hash TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		miner TEXT NOT NULL,
		difficulty NUMERIC(78,0) NOT NULL,
		total_difficulty NUMERIC(78,0),
		gas_used BIGINT NOT NULL,
		gas_limit BIGINT NOT NULL,
		size BIGINT NOT NULL,
		receipts_root TEXT NOT NULL,
		tx_count INTEGER NOT NULL,
		transactions_json JSONB NOT NULL,
		PRIMARY KEY (chain_name, block_number)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		chain_name TEXT NOT NULL,
		block_number BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT,
		value NUMERIC(78,0) NOT NULL,
		gas_price NUMERIC(78,0) NOT NULL,
		gas BIGINT NOT NULL,
		input TEXT NOT NULL,
		nonce BIGINT NOT NULL,
		PRIMARY KEY (chain_name, tx_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_block_idx ON transactions (chain_name, block_number)`,
}

const (
	insertBlock = `INSERT INTO blocks (chain_name, block_number, hash, parent_hash, timestamp, miner, difficulty, total_difficulty, gas_used, gas_limit, size, receipts_root, tx_count, transactions_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (chain_name, block_number) DO NOTHING`
	insertTransaction = `INSERT INTO transactions (chain_name, block_number, tx_hash, from_address, to_address, value, gas_price, gas, input, nonce)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_name, tx_hash) DO NOTHING`
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, connStr string) (*Repository, error) {
	if connStr == "" {
		return nil, errors.New("db dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Migrate(ctx context.Context) error {
	ctx, span := startDBSpan(ctx, "postgres.Migrate")
	defer span.End()
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			recordSpanError(span, err)
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) PersistBlock(ctx context.Context, block domain.Block) (domain.PersistOutcome, error) {
	ctx, span := startDBSpan(ctx, "postgres.PersistBlock",
		attribute.String("chain.name", block.ChainName),
		attribute.Int64("block.number", int64(block.Number)),
		attribute.Int("tx.count", block.TxCount()),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var outcome domain.PersistOutcome
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		outcome, err = persist(ctx, tx, block)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return domain.PersistOutcome{}, err
	}
	return outcome, nil
}

func persist(ctx context.Context, tx pgx.Tx, block domain.Block) (domain.PersistOutcome, error) {
	var outcome domain.PersistOutcome
	difficulty, err := numeric(block.Difficulty)
	if err != nil {
		return outcome, fmt.Errorf("block %d difficulty: %w", block.Number, err)
	}
	totalDifficulty, err := numeric(block.TotalDifficulty)
	if err != nil {
		return outcome, fmt.Errorf("block %d total difficulty: %w", block.Number, err)
	}
	txs, err := streaming.TransactionsJSON(block)
	if err != nil {
		return outcome, err
	}

	tag, err := tx.Exec(ctx, insertBlock,
		block.ChainName, int64(block.Number), strings.ToLower(block.Hash), strings.ToLower(block.ParentHash),
		int64(block.Timestamp), strings.ToLower(block.Miner), difficulty, totalDifficulty,
		int64(block.GasUsed), int64(block.GasLimit), int64(block.Size), strings.ToLower(block.ReceiptsRoot),
		block.TxCount(), json.RawMessage(txs),
	)
	if err != nil {
		return outcome, fmt.Errorf("insert block %d: %w", block.Number, err)
	}
	outcome.BlockInserted = tag.RowsAffected() > 0
	if !outcome.BlockInserted {
		if err := tx.QueryRow(ctx, `SELECT hash FROM blocks WHERE chain_name = $1 AND block_number = $2`,
			block.ChainName, int64(block.Number)).Scan(&outcome.StoredHash); err != nil {
			return outcome, fmt.Errorf("read stored block %d: %w", block.Number, err)
		}
		if outcome.Conflicts(block.Hash) {
			return outcome, nil
		}
	}

	if len(block.Transactions) == 0 {
		return outcome, nil
	}
	batch := &pgx.Batch{}
	for _, t := range block.Transactions {
		value, err := numeric(t.Value)
		if err != nil {
			return outcome, fmt.Errorf("transaction %s value: %w", t.Hash, err)
		}
		gasPrice, err := numeric(t.GasPrice)
		if err != nil {
			return outcome, fmt.Errorf("transaction %s gas price: %w", t.Hash, err)
		}
		var to *string
		if t.To != "" {
			lower := strings.ToLower(t.To)
			to = &lower
		}
		batch.Queue(insertTransaction,
			block.ChainName, int64(t.BlockNumber), strings.ToLower(t.Hash), strings.ToLower(t.From), to,
			value, gasPrice, int64(t.Gas), t.Input, int64(t.Nonce),
		)
	}
	results := tx.SendBatch(ctx, batch)
	for _, t := range block.Transactions {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return outcome, fmt.Errorf("insert transaction %s: %w", t.Hash, err)
		}
		outcome.TransactionsInserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (r *Repository) LatestBlockNumber(ctx context.Context, chainName string) (uint64, bool, error) {
	ctx, span := startDBSpan(ctx, "postgres.LatestBlockNumber", attribute.String("chain.name", chainName))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var latest *int64
	if err := r.pool.QueryRow(ctx, `SELECT MAX(block_number) FROM blocks WHERE chain_name = $1`, chainName).Scan(&latest); err != nil {
		recordSpanError(span, err)
		return 0, false, err
	}
	if latest == nil {
		return 0, false, nil
	}
	return uint64(*latest), true, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// numeric validates a decimal quantity and binds it as text so NUMERIC keeps
// full precision. Empty values bind NULL.
func numeric(value string) (*string, error) {
	if value == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	text := d.String()
	return &text, nil
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return otel.Tracer("blockingest/postgres").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
