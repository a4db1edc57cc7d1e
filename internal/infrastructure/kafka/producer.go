package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"blockingest/internal/infrastructure/telemetry"
	"blockingest/internal/streaming"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	DefaultMaxMessageBytes = 10 << 20
	recordOverheadBytes    = 4 << 10
)

// RecordLimit is the broker and client side record size for a payload limit,
// leaving room for key, headers and framing.
func RecordLimit(maxMessageBytes int) int {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return maxMessageBytes + recordOverheadBytes
}

type ProducerConfig struct {
	Brokers         []string
	ClientID        string
	WriteTimeout    time.Duration
	MaxMessageBytes int
}

// Producer publishes block messages synchronously: Publish returns once every
// in-sync replica has the message.
type Producer struct {
	writer   messageWriter
	maxBytes int
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchBytes:   int64(RecordLimit(cfg.MaxMessageBytes)),
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  3,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
	return &Producer{writer: writer, maxBytes: cfg.MaxMessageBytes}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publish writes msg to topic keyed by chain name, so a lineage always lands
// on the same partition.
func (p *Producer) Publish(ctx context.Context, topic string, msg streaming.Message) error {
	ctx, span := otel.Tracer("blockingest/kafka").Start(ctx, "producer.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.String("chain.name", msg.ChainName),
			attribute.Int64("block.number", int64(msg.BlockNumber)),
			attribute.String("block.hash", msg.Hash),
		),
	)
	defer span.End()

	payload, err := streaming.Encode(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if p.maxBytes > 0 && len(payload) > p.maxBytes {
		err := fmt.Errorf("%w: block %d encodes to %d bytes, limit is %d", streaming.ErrMessageTooLarge, msg.BlockNumber, len(payload), p.maxBytes)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	headers := telemetry.InjectKafkaHeaders(ctx, make([]kafka.Header, 0, 2))
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.ChainName),
		Value:   payload,
		Headers: headers,
	})
	if err != nil {
		err = classifyWriteError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func classifyWriteError(err error) error {
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) || errors.Is(err, kafka.MessageSizeTooLarge) {
		return fmt.Errorf("%w: %w", streaming.ErrMessageTooLarge, err)
	}
	return err
}
