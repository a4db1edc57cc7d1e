package application

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

var (
	ErrChannelPublish = errors.New("channel publish error")
	ErrPersistence    = errors.New("persistence error")
)

// Publisher blocks in Publish until the broker accepts the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg streaming.Message) error
}

type Delivery struct {
	Topic       string
	Partition   int
	Offset      int64
	Key         []byte
	Value       []byte
	SpanContext trace.SpanContext
}

// MessageSource hands out messages of one topic at least once. A message is
// redelivered after a restart unless it was acked.
type MessageSource interface {
	Fetch(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}

// RowStore persists a block and its transactions in one transaction,
// inserting only rows whose natural key is absent.
type RowStore interface {
	PersistBlock(ctx context.Context, block domain.Block) (domain.PersistOutcome, error)
}

type WatermarkSource interface {
	LatestBlockNumber(ctx context.Context, chainName string) (uint64, bool, error)
}

type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, key string) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, key string, number uint64) error
}

func CheckpointKey(task domain.IngestionTask) string {
	return task.Name()
}
