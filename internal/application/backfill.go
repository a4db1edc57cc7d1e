package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

type BackfillState string

const (
	BackfillPending    BackfillState = "pending"
	BackfillFetching   BackfillState = "fetching"
	BackfillPublishing BackfillState = "publishing"
	BackfillExhausted  BackfillState = "exhausted"
	BackfillAborted    BackfillState = "aborted"
	BackfillCancelled  BackfillState = "cancelled"
)

type BlockError struct {
	Chain string
	Block uint64
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("chain %s block %d: %v", e.Chain, e.Block, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

type BackfillConfig struct {
	Task    domain.IngestionTask
	Topic   string
	Fetch   RetryPolicy
	Publish RetryPolicy
}

type BackfillCoordinator struct {
	source      chain.BlockSource
	publisher   Publisher
	checkpoints CheckpointStore
	observer    Observer
	logger      *slog.Logger
	cfg         BackfillConfig

	mu      sync.Mutex
	state   BackfillState
	next    uint64
	resumed bool
}

func NewBackfillCoordinator(source chain.BlockSource, publisher Publisher, checkpoints CheckpointStore, observer Observer, logger *slog.Logger, cfg BackfillConfig) (*BackfillCoordinator, error) {
	if source == nil || publisher == nil {
		return nil, errors.New("backfill dependencies must not be nil")
	}
	if cfg.Task.Mode != domain.ModeHistorical {
		return nil, fmt.Errorf("task %s is not historical", cfg.Task.Name())
	}
	if cfg.Task.Range.End < cfg.Task.Range.Start {
		return nil, fmt.Errorf("task %s has an empty range", cfg.Task.Name())
	}
	if cfg.Topic == "" {
		return nil, errors.New("backfill topic is required")
	}
	if cfg.Publish.MaxAttempts == 0 {
		return nil, errors.New("backfill publish attempts must be bounded")
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillCoordinator{
		source:      source,
		publisher:   publisher,
		checkpoints: checkpoints,
		observer:    observer,
		logger:      logger,
		cfg:         cfg,
		state:       BackfillPending,
		next:        cfg.Task.Range.Start,
	}, nil
}

func (c *BackfillCoordinator) State() BackfillState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *BackfillCoordinator) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *BackfillCoordinator) setState(state BackfillState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Run returns a *BlockError when the task aborts. A later Run resumes at the
// failed block.
func (c *BackfillCoordinator) Run(ctx context.Context) error {
	if !c.resumed {
		c.resume(ctx)
		c.resumed = true
	}
	task := c.cfg.Task
	c.logger.Info("backfill started", "from", c.Next(), "to", rangeEnd(task.Range), "topic", c.cfg.Topic)

	for {
		n := c.Next()
		if n > task.Range.End {
			return c.exhaust("range complete", n)
		}
		if ctx.Err() != nil {
			return c.cancel(n)
		}

		c.setState(BackfillFetching)
		block, ok, err := fetchBlock(ctx, c.source, n, c.cfg.Fetch, c.retryNotify("fetch", n))
		if err != nil {
			if ctx.Err() != nil {
				return c.cancel(n)
			}
			return c.abort(n, err)
		}
		if !ok {
			return c.exhaust("chain tip reached", n)
		}
		c.observer.OnBlockFetched(task, n)

		// A fetched block is always published, even when shutdown has begun.
		c.setState(BackfillPublishing)
		publishCtx := context.WithoutCancel(ctx)
		msg := streaming.FromBlock(task.Schema, block)
		if err := publishWithRetry(publishCtx, c.publisher, c.cfg.Topic, msg, c.cfg.Publish, c.retryNotify("publish", n)); err != nil {
			return c.abort(n, err)
		}
		c.observer.OnBlockPublished(task, n)
		c.saveCheckpoint(publishCtx, n)

		if n == math.MaxUint64 {
			return c.exhaust("range complete", n)
		}
		c.mu.Lock()
		c.next = n + 1
		c.mu.Unlock()
	}
}

func (c *BackfillCoordinator) resume(ctx context.Context) {
	if c.checkpoints == nil {
		return
	}
	last, ok, err := c.checkpoints.LoadCheckpoint(ctx, CheckpointKey(c.cfg.Task))
	if err != nil {
		c.logger.Warn("historical checkpoint unavailable, starting at range start", "error", err)
		return
	}
	if !ok || last < c.cfg.Task.Range.Start {
		return
	}
	c.mu.Lock()
	c.next = last + 1
	c.mu.Unlock()
	c.logger.Info("resuming backfill from checkpoint", "checkpoint", last)
}

func (c *BackfillCoordinator) saveCheckpoint(ctx context.Context, n uint64) {
	if c.checkpoints == nil {
		return
	}
	if err := c.checkpoints.SaveCheckpoint(ctx, CheckpointKey(c.cfg.Task), n); err != nil {
		c.logger.Warn("failed to save checkpoint", "block", n, "error", err)
	}
}

func (c *BackfillCoordinator) retryNotify(op string, n uint64) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		c.observer.OnRetry(c.cfg.Task, op)
		c.logger.Warn("retrying block", "op", op, "block", n, "wait", wait, "error", err)
	}
}

func (c *BackfillCoordinator) exhaust(reason string, next uint64) error {
	c.setState(BackfillExhausted)
	c.logger.Info("backfill exhausted", "reason", reason, "next", next)
	return nil
}

func (c *BackfillCoordinator) cancel(n uint64) error {
	c.setState(BackfillCancelled)
	c.logger.Info("backfill cancelled", "next", n)
	return nil
}

func (c *BackfillCoordinator) abort(n uint64, err error) error {
	c.setState(BackfillAborted)
	c.logger.Error("backfill aborted", "block", n, "error", err)
	return &BlockError{Chain: c.cfg.Task.ChainName, Block: n, Err: err}
}

func rangeEnd(r domain.Range) any {
	if !r.Bounded() {
		return "tip"
	}
	return r.End
}
