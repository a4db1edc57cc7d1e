package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "blockingest:checkpoint:"

type Config struct {
	Addr string
	// TTL expires checkpoints that are no longer written. Zero keeps them.
	TTL  time.Duration
}

type CheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCheckpointStore(ctx context.Context, cfg Config) (*CheckpointStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CheckpointStore{client: client, ttl: cfg.TTL}, nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, key string) (uint64, bool, error) {
	value, err := s.client.Get(ctx, checkpointKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return n, true, nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, key string, n uint64) error {
	return s.client.Set(ctx, checkpointKey(key), strconv.FormatUint(n, 10), s.ttl).Err()
}

func (s *CheckpointStore) Close() error {
	return s.client.Close()
}

func checkpointKey(key string) string {
	return keyPrefix + key
}
