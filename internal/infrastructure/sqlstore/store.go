// Package sqlstore persists blocks through database/sql (MySQL and SQLite).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

const (
	persistTimeout = 10 * time.Second
	queryTimeout   = 5 * time.Second
	pingTimeout    = 2 * time.Second
)

// Dialect holds the engine specific SQL. Both statements must insert only when
// the natural key is absent and report one affected row on insert.
type Dialect struct {
	Name              string
	Schema            []string
	InsertBlock       string
	InsertTransaction string
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if dialect.InsertBlock == "" || dialect.InsertTransaction == "" {
		return nil, fmt.Errorf("dialect %q is incomplete", dialect.Name)
	}
	return &Store{db: db, dialect: dialect}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Migrate(ctx context.Context) error {
	ctx, span := s.startDBSpan(ctx, "Migrate")
	defer span.End()
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			recordSpanError(span, err)
			return fmt.Errorf("%s migrate: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// PersistBlock writes the block and its transactions in one transaction,
// leaving rows that already exist untouched. A block whose stored hash
// differs writes nothing.
func (s *Store) PersistBlock(ctx context.Context, block domain.Block) (domain.PersistOutcome, error) {
	ctx, span := s.startDBSpan(ctx, "PersistBlock",
		attribute.String("chain.name", block.ChainName),
		attribute.Int64("block.number", int64(block.Number)),
		attribute.Int("tx.count", block.TxCount()),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	outcome, err := s.persist(ctx, block)
	if err != nil {
		recordSpanError(span, err)
		return domain.PersistOutcome{}, err
	}
	return outcome, nil
}

func (s *Store) persist(ctx context.Context, block domain.Block) (domain.PersistOutcome, error) {
	var outcome domain.PersistOutcome
	blockArgs, err := blockArgs(block)
	if err != nil {
		return outcome, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return outcome, err
	}
	res, err := tx.ExecContext(ctx, s.dialect.InsertBlock, blockArgs...)
	if err != nil {
		_ = tx.Rollback()
		return outcome, fmt.Errorf("insert block %d: %w", block.Number, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return outcome, err
	}
	outcome.BlockInserted = inserted > 0
	if !outcome.BlockInserted {
		if err := tx.QueryRowContext(ctx, `SELECT hash FROM blocks WHERE chain_name = ? AND block_number = ?`,
			block.ChainName, block.Number).Scan(&outcome.StoredHash); err != nil {
			_ = tx.Rollback()
			return outcome, fmt.Errorf("read stored block %d: %w", block.Number, err)
		}
		if outcome.Conflicts(block.Hash) {
			_ = tx.Rollback()
			return outcome, nil
		}
	}

	if len(block.Transactions) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.dialect.InsertTransaction)
		if err != nil {
			_ = tx.Rollback()
			return outcome, err
		}
		defer stmt.Close()
		for _, t := range block.Transactions {
			args, err := transactionArgs(block.ChainName, t)
			if err != nil {
				_ = tx.Rollback()
				return outcome, err
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				_ = tx.Rollback()
				return outcome, fmt.Errorf("insert transaction %s: %w", t.Hash, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				_ = tx.Rollback()
				return outcome, err
			}
			outcome.TransactionsInserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.PersistOutcome{}, err
	}
	return outcome, nil
}

func (s *Store) LatestBlockNumber(ctx context.Context, chainName string) (uint64, bool, error) {
	ctx, span := s.startDBSpan(ctx, "LatestBlockNumber", attribute.String("chain.name", chainName))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(block_number) FROM blocks WHERE chain_name = ?`, chainName).Scan(&latest); err != nil {
		recordSpanError(span, err)
		return 0, false, err
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return uint64(latest.Int64), true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func blockArgs(block domain.Block) ([]any, error) {
	difficulty, err := Numeric(block.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("block %d difficulty: %w", block.Number, err)
	}
	totalDifficulty, err := Numeric(block.TotalDifficulty)
	if err != nil {
		return nil, fmt.Errorf("block %d total difficulty: %w", block.Number, err)
	}
	txs, err := streaming.TransactionsJSON(block)
	if err != nil {
		return nil, err
	}
	return []any{
		block.ChainName, block.Number, strings.ToLower(block.Hash), strings.ToLower(block.ParentHash),
		block.Timestamp, strings.ToLower(block.Miner), difficulty, totalDifficulty,
		block.GasUsed, block.GasLimit, block.Size, strings.ToLower(block.ReceiptsRoot),
		block.TxCount(), string(txs),
	}, nil
}

func transactionArgs(chainName string, t domain.Transaction) ([]any, error) {
	value, err := Numeric(t.Value)
	if err != nil {
		return nil, fmt.Errorf("transaction %s value: %w", t.Hash, err)
	}
	gasPrice, err := Numeric(t.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("transaction %s gas price: %w", t.Hash, err)
	}
	var to any
	if t.To != "" {
		to = strings.ToLower(t.To)
	}
	return []any{
		chainName, t.BlockNumber, strings.ToLower(t.Hash), strings.ToLower(t.From), to,
		value, gasPrice, t.Gas, t.Input, t.Nonce,
	}, nil
}

func Numeric(value string) (any, error) {
	if value == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", s.dialect.Name))
	return otel.Tracer("blockingest/sqlstore").Start(ctx, s.dialect.Name+"."+name,
		trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
