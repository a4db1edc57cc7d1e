package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

const ackTimeout = 5 * time.Second

type PersisterConfig struct {
	Topic string
	// Retry applies to one message until it persists or ctx ends.
	Retry        RetryPolicy
	FetchBackoff time.Duration
}

// Persister drains one topic into the row store. A message is acked only after
// its rows are committed, so redeliveries are absorbed by insert-if-absent.
type Persister struct {
	source   MessageSource
	store    RowStore
	observer Observer
	logger   *slog.Logger
	cfg      PersisterConfig
}

func NewPersister(source MessageSource, store RowStore, observer Observer, logger *slog.Logger, cfg PersisterConfig) (*Persister, error) {
	if source == nil || store == nil {
		return nil, errors.New("persister dependencies must not be nil")
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = time.Second
	}
	cfg.Retry.MaxAttempts = 0
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{source: source, store: store, observer: observer, logger: logger, cfg: cfg}, nil
}

func (p *Persister) Run(ctx context.Context) error {
	for {
		d, err := p.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("fetch failed", "topic", p.cfg.Topic, "error", err)
			if !sleepCtx(ctx, p.cfg.FetchBackoff) {
				return nil
			}
			continue
		}
		if err := p.Handle(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle persists one delivery and acks it. Undecodable payloads are logged and
// acked so they cannot block the topic.
func (p *Persister) Handle(ctx context.Context, d Delivery) error {
	logger := p.logger.With("topic", d.Topic, "partition", d.Partition, "offset", d.Offset)

	msg, err := streaming.Decode(d.Value)
	if err != nil {
		logger.Error("dropping undecodable message", "error", err, "bytes", len(d.Value))
		p.observer.OnRejected(p.cfg.Topic)
		p.ack(ctx, d, logger)
		return nil
	}

	if d.SpanContext.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, d.SpanContext)
	}
	ctx, span := otel.Tracer("blockingest/persister").Start(ctx, "persister.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("chain.name", msg.ChainName),
			attribute.Int64("block.number", int64(msg.BlockNumber)),
			attribute.String("messaging.destination", d.Topic),
		),
	)
	defer span.End()

	block := msg.Block()
	outcome, err := p.persist(ctx, block, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	result := outcome.Result(block.Hash)
	switch result {
	case "conflict":
		logger.Warn("redelivered block differs from stored row, keeping stored row",
			"chain", block.ChainName, "block", block.Number,
			"stored_hash", outcome.StoredHash, "message_hash", block.Hash)
	case "duplicate":
		logger.Debug("block already persisted", "chain", block.ChainName, "block", block.Number)
	default:
		logger.Debug("block persisted", "chain", block.ChainName, "block", block.Number,
			"transactions", outcome.TransactionsInserted)
	}
	p.observer.OnPersisted(p.cfg.Topic, result)
	p.ack(ctx, d, logger)
	return nil
}

func (p *Persister) persist(ctx context.Context, block domain.Block, logger *slog.Logger) (domain.PersistOutcome, error) {
	var outcome domain.PersistOutcome
	err := backoff.RetryNotify(func() error {
		var err error
		outcome, err = p.store.PersistBlock(ctx, block)
		if err != nil && !errors.Is(err, ErrPersistence) {
			err = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return err
	}, p.cfg.Retry.backOff(ctx), func(err error, wait time.Duration) {
		p.observer.OnPersistError(p.cfg.Topic)
		logger.Error("persist failed, retrying same message", "chain", block.ChainName, "block", block.Number, "wait", wait, "error", err)
	})
	return outcome, err
}

func (p *Persister) ack(ctx context.Context, d Delivery, logger *slog.Logger) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := p.source.Ack(ackCtx, d); err != nil {
		logger.Error("ack failed", "error", err)
	}
}
