package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"blockingest/internal/application"
	"blockingest/internal/infrastructure/telemetry"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers  []string
	GroupID         string
	Topic           string
	ClientID        string
	MaxMessageBytes int
}

// Consumer reads one topic as a member of a consumer group. Offsets are
// committed only through Ack.
type Consumer struct {
	reader messageReader
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" || cfg.Topic == "" {
		return nil, errors.New("kafka group id and topic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    1,
		MaxBytes:    max(10e6, RecordLimit(cfg.MaxMessageBytes)),
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
		Dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	return &Consumer{reader: reader}, nil
}

func (c *Consumer) Fetch(ctx context.Context) (application.Delivery, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return application.Delivery{}, err
	}
	remote := telemetry.ExtractHeaders(context.Background(), telemetry.HeaderMap(msg.Headers))
	return application.Delivery{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Key:         msg.Key,
		Value:       msg.Value,
		SpanContext: trace.SpanContextFromContext(remote),
	}, nil
}

func (c *Consumer) Ack(ctx context.Context, d application.Delivery) error {
	return c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    d.Offset,
	})
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
