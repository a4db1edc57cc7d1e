package kafka

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"blockingest/internal/application"
	"blockingest/internal/domain"
	"blockingest/internal/infrastructure/telemetry"
	"blockingest/internal/streaming"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		return kafka.Message{}, context.DeadlineExceeded
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func setupTracing(t *testing.T) {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
}

func testMessage() streaming.Message {
	return streaming.FromBlock("blocks", domain.Block{
		ChainName:  "devnet",
		Number:     12,
		Hash:       "0x0c",
		Difficulty: "1",
	})
}

func TestProducer_PublishWritesKeyedMessageWithTraceHeaders(t *testing.T) {
	setupTracing(t)
	writer := &fakeWriter{}
	p := &Producer{writer: writer}

	require.NoError(t, p.Publish(context.Background(), "blockingest.devnet-blocks", testMessage()))
	require.Len(t, writer.written, 1)
	msg := writer.written[0]
	assert.Equal(t, "blockingest.devnet-blocks", msg.Topic)
	assert.Equal(t, "devnet", string(msg.Key))

	decoded, err := streaming.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), decoded.BlockNumber)

	headers := telemetry.HeaderMap(msg.Headers)
	assert.True(t, strings.HasPrefix(headers["traceparent"], "00-"))
}

func TestProducer_PublishErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("leader not available")}
	p := &Producer{writer: writer}
	err := p.Publish(context.Background(), "t", testMessage())
	assert.EqualError(t, err, "leader not available")

	invalid := testMessage()
	invalid.Hash = ""
	err = (&Producer{writer: &fakeWriter{}}).Publish(context.Background(), "t", invalid)
	assert.ErrorIs(t, err, streaming.ErrSerialization)
}

func TestConsumer_FetchAndAck(t *testing.T) {
	setupTracing(t)
	ctx, span := otel.Tracer("test").Start(context.Background(), "produce")
	defer span.End()
	headers := telemetry.InjectKafkaHeaders(ctx, nil)

	reader := &fakeReader{queue: []kafka.Message{{
		Topic:     "blockingest.devnet-blocks",
		Partition: 0,
		Offset:    41,
		Key:       []byte("devnet"),
		Value:     []byte(`{}`),
		Headers:   headers,
	}}}
	c := &Consumer{reader: reader}

	d, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), d.Offset)
	assert.Equal(t, "blockingest.devnet-blocks", d.Topic)
	assert.True(t, d.SpanContext.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), d.SpanContext.TraceID())

	require.NoError(t, c.Ack(context.Background(), d))
	require.Len(t, reader.committed, 1)
	assert.Equal(t, int64(41), reader.committed[0].Offset)

	_, err = c.Fetch(context.Background())
	assert.Error(t, err)
}

func TestConstructors_Validate(t *testing.T) {
	_, err := NewProducer(ProducerConfig{})
	assert.Error(t, err)
	_, err = NewConsumer(ConsumerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestEnsureTopics_NoTopicsIsNoop(t *testing.T) {
	assert.NoError(t, EnsureTopics(context.Background(), nil, TopicSettings{ReplicationFactor: 1}))
}

func largeMessage(inputBytes int) streaming.Message {
	return streaming.FromBlock("blocks", domain.Block{
		ChainName:  "devnet",
		Number:     12,
		Hash:       "0x0c",
		Difficulty: "1",
		Transactions: []domain.Transaction{{
			Hash:        "0x01",
			BlockNumber: 12,
			From:        "0xa",
			Value:       "0",
			GasPrice:    "1",
			Input:       "0x" + strings.Repeat("ab", inputBytes/2),
		}},
	})
}

func TestNewProducer_SizesBatchesForLimit(t *testing.T) {
	p, err := NewProducer(ProducerConfig{Brokers: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	defer p.Close()

	writer, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, int64(RecordLimit(DefaultMaxMessageBytes)), writer.BatchBytes)
	assert.Greater(t, writer.BatchBytes, int64(1<<20))
}

func TestProducer_PublishesBlockOverOneMegabyte(t *testing.T) {
	writer := &fakeWriter{}
	p := &Producer{writer: writer, maxBytes: DefaultMaxMessageBytes}

	require.NoError(t, p.Publish(context.Background(), "t", largeMessage(1_200_000)))
	require.Len(t, writer.written, 1)
	assert.Greater(t, len(writer.written[0].Value), 1<<20)
}

func TestProducer_OversizedBlockIsRejectedBeforeWriting(t *testing.T) {
	p, err := NewProducer(ProducerConfig{Brokers: []string{"127.0.0.1:1"}, MaxMessageBytes: 1 << 20})
	require.NoError(t, err)
	defer p.Close()

	err = p.Publish(context.Background(), "t", largeMessage(1_200_000))
	assert.ErrorIs(t, err, streaming.ErrMessageTooLarge)
}

func TestProducer_ClassifiesSizeErrors(t *testing.T) {
	for _, writeErr := range []error{kafka.MessageTooLargeError{}, kafka.MessageSizeTooLarge} {
		p := &Producer{writer: &fakeWriter{err: writeErr}}
		err := p.Publish(context.Background(), "t", testMessage())
		assert.ErrorIs(t, err, streaming.ErrMessageTooLarge)
	}
}

func TestTopicConfigs_CarryMessageLimit(t *testing.T) {
	configs := topicConfigs(TopicSettings{ReplicationFactor: 1, MaxMessageBytes: 4 << 20}, []string{"a", "b"})
	require.Len(t, configs, 2)
	for _, c := range configs {
		assert.Equal(t, 1, c.NumPartitions)
		require.Len(t, c.ConfigEntries, 1)
		assert.Equal(t, "max.message.bytes", c.ConfigEntries[0].ConfigName)
		assert.Equal(t, strconv.Itoa(RecordLimit(4<<20)), c.ConfigEntries[0].ConfigValue)
	}
}

func TestNewConsumer_FetchesLargestMessage(t *testing.T) {
	c, err := NewConsumer(ConsumerConfig{
		Brokers:         []string{"127.0.0.1:1"},
		GroupID:         "g",
		Topic:           "t",
		MaxMessageBytes: 16 << 20,
	})
	require.NoError(t, err)
	defer c.Close()

	reader, ok := c.reader.(*kafka.Reader)
	require.True(t, ok)
	assert.Equal(t, RecordLimit(16<<20), reader.Config().MaxBytes)
}

var _ application.Publisher = (*Producer)(nil)
var _ application.MessageSource = (*Consumer)(nil)
