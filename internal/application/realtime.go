package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

type SubscriberConfig struct {
	Task       domain.IngestionTask
	Topic      string
	Fetch      RetryPolicy
	Publish    RetryPolicy
	Reconnect  RetryPolicy
	SinkBuffer int
}

// Subscriber publishes every block once per lineage, in order. After a stream
// failure it catches up to the tip before resubscribing.
type Subscriber struct {
	adapter     chain.Adapter
	publisher   Publisher
	checkpoints CheckpointStore
	watermark   WatermarkSource
	observer    Observer
	logger      *slog.Logger
	cfg         SubscriberConfig

	mu          sync.Mutex
	last        uint64
	haveLast    bool
	initialized bool
}

func NewSubscriber(adapter chain.Adapter, publisher Publisher, checkpoints CheckpointStore, watermark WatermarkSource, observer Observer, logger *slog.Logger, cfg SubscriberConfig) (*Subscriber, error) {
	if adapter == nil || publisher == nil {
		return nil, errors.New("subscriber dependencies must not be nil")
	}
	if cfg.Task.Mode != domain.ModeRealtime {
		return nil, fmt.Errorf("task %s is not realtime", cfg.Task.Name())
	}
	if cfg.Topic == "" {
		return nil, errors.New("subscriber topic is required")
	}
	if cfg.Publish.MaxAttempts == 0 {
		return nil, errors.New("subscriber publish attempts must be bounded")
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = 64
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		adapter:     adapter,
		publisher:   publisher,
		checkpoints: checkpoints,
		watermark:   watermark,
		observer:    observer,
		logger:      logger,
		cfg:         cfg,
	}, nil
}

func (s *Subscriber) LastDelivered() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.haveLast
}

func (s *Subscriber) setLast(n uint64) {
	s.mu.Lock()
	s.last, s.haveLast = n, true
	s.mu.Unlock()
}

func (s *Subscriber) SetWatermark(n uint64) {
	s.setLast(n)
	s.initialized = true
}

// Run follows the chain until ctx ends (nil) or a failure it cannot recover
// from locally. Delivery state survives across Run calls.
func (s *Subscriber) Run(ctx context.Context) error {
	if !s.initialized {
		if err := s.loadWatermark(ctx); err != nil {
			return err
		}
		s.initialized = true
	}
	task := s.cfg.Task

	reconnect := s.cfg.Reconnect.backOff(ctx)
	for {
		delivered, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if chain.IsPermanent(err) || errors.Is(err, ErrChannelPublish) {
			s.logger.Error("realtime subscription failed", "error", err)
			return err
		}
		if delivered {
			reconnect.Reset()
		}
		wait := reconnect.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("realtime %s: reconnect budget exhausted: %w", task.Name(), err)
		}
		s.observer.OnRetry(task, "subscribe")
		s.logger.Warn("block stream interrupted, reconnecting", "wait", wait, "error", err)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func (s *Subscriber) session(ctx context.Context) (bool, error) {
	delivered, err := s.catchUp(ctx)
	if err != nil {
		return delivered, err
	}

	sink := make(chan domain.Block, s.cfg.SinkBuffer)
	sub, err := s.adapter.SubscribeNewBlocks(ctx, sink)
	if err != nil {
		return delivered, chain.Transient(err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				err = chain.ErrStreamClosed
			}
			return delivered, chain.Transient(err)
		case block := <-sink:
			published, err := s.deliver(ctx, block)
			delivered = delivered || published
			if err != nil {
				return delivered, err
			}
		}
	}
}

// catchUp publishes last+1 .. tip. Without a watermark there is nothing to
// catch up on and the first live block starts the lineage.
func (s *Subscriber) catchUp(ctx context.Context) (bool, error) {
	last, ok := s.LastDelivered()
	if !ok {
		return false, nil
	}
	tip, err := latestBlock(ctx, s.adapter, s.cfg.Fetch, s.retryNotify("tip", 0))
	if err != nil {
		return false, err
	}
	s.observer.OnChainTip(s.cfg.Task.ChainName, tip)
	if tip <= last {
		return false, nil
	}
	s.logger.Info("catching up", "from", last+1, "to", tip)
	delivered := false
	for n := last + 1; n <= tip; n++ {
		ok, err := s.fetchAndPublish(ctx, n)
		if err != nil {
			return delivered, err
		}
		if !ok {
			break
		}
		delivered = true
	}
	return delivered, nil
}

func (s *Subscriber) deliver(ctx context.Context, block domain.Block) (bool, error) {
	last, ok := s.LastDelivered()
	if ok && block.Number <= last {
		s.logger.Debug("skipping already delivered block", "block", block.Number, "last", last)
		return false, nil
	}
	s.observer.OnChainTip(s.cfg.Task.ChainName, block.Number)
	published := false
	if ok {
		for n := last + 1; n < block.Number; n++ {
			found, err := s.fetchAndPublish(ctx, n)
			if err != nil {
				return published, err
			}
			if !found {
				return published, chain.Transient(fmt.Errorf("gap block %d is not served yet", n))
			}
			published = true
		}
	}
	s.observer.OnBlockFetched(s.cfg.Task, block.Number)
	if err := s.publish(ctx, block); err != nil {
		return published, err
	}
	return true, nil
}

func (s *Subscriber) fetchAndPublish(ctx context.Context, n uint64) (bool, error) {
	block, ok, err := fetchBlock(ctx, s.adapter, n, s.cfg.Fetch, s.retryNotify("fetch", n))
	if err != nil || !ok {
		return false, err
	}
	s.observer.OnBlockFetched(s.cfg.Task, n)
	return true, s.publish(ctx, block)
}

func (s *Subscriber) publish(ctx context.Context, block domain.Block) error {
	publishCtx := context.WithoutCancel(ctx)
	msg := streaming.FromBlock(s.cfg.Task.Schema, block)
	if err := publishWithRetry(publishCtx, s.publisher, s.cfg.Topic, msg, s.cfg.Publish, s.retryNotify("publish", block.Number)); err != nil {
		return &BlockError{Chain: s.cfg.Task.ChainName, Block: block.Number, Err: err}
	}
	s.setLast(block.Number)
	s.observer.OnBlockPublished(s.cfg.Task, block.Number)
	if s.checkpoints != nil {
		if err := s.checkpoints.SaveCheckpoint(publishCtx, CheckpointKey(s.cfg.Task), block.Number); err != nil {
			s.logger.Warn("failed to save checkpoint", "block", block.Number, "error", err)
		}
	}
	return nil
}

func (s *Subscriber) loadWatermark(ctx context.Context) error {
	if s.checkpoints != nil {
		n, ok, err := s.checkpoints.LoadCheckpoint(ctx, CheckpointKey(s.cfg.Task))
		switch {
		case err != nil:
			s.logger.Warn("checkpoint unavailable, falling back to row store", "error", err)
		case ok:
			s.setLast(n)
			s.logger.Info("resuming from checkpoint", "last_delivered", n)
			return nil
		}
	}
	if s.watermark != nil {
		n, ok, err := s.watermark.LatestBlockNumber(ctx, s.cfg.Task.ChainName)
		if err != nil {
			return fmt.Errorf("load watermark for %s: %w", s.cfg.Task.ChainName, err)
		}
		if ok {
			s.setLast(n)
			s.logger.Info("resuming from persisted watermark", "last_delivered", n)
			return nil
		}
	}
	s.logger.Info("no watermark, starting at the next live block")
	return nil
}

func (s *Subscriber) retryNotify(op string, n uint64) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		s.observer.OnRetry(s.cfg.Task, op)
		s.logger.Warn("retrying", "op", op, "block", n, "wait", wait, "error", err)
	}
}
