package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

func WaitForBrokers(ctx context.Context, brokers []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if brokersReady(ctx, brokers) {
			return nil
		}
		logger.Info("waiting for kafka", "brokers", brokers)
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func brokersReady(ctx context.Context, brokers []string) bool {
	for _, broker := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return true
		}
	}
	return false
}

type TopicSettings struct {
	ReplicationFactor int
	MaxMessageBytes   int
}

// EnsureTopics creates the missing topics with a single partition, which keeps
// each lineage totally ordered.
func EnsureTopics(ctx context.Context, brokers []string, settings TopicSettings, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if settings.ReplicationFactor <= 0 {
		settings.ReplicationFactor = 1
	}
	var lastErr error
	for _, broker := range brokers {
		err := createTopics(ctx, broker, topicConfigs(settings, topics))
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("create topics: %w", lastErr)
}

func topicConfigs(settings TopicSettings, topics []string) []kafka.TopicConfig {
	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: settings.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{{
				ConfigName:  "max.message.bytes",
				ConfigValue: strconv.Itoa(RecordLimit(settings.MaxMessageBytes)),
			}},
		})
	}
	return configs
}

func createTopics(ctx context.Context, broker string, configs []kafka.TopicConfig) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}
