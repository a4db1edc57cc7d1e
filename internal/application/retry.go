package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

// RetryPolicy bounds an exponential backoff. MaxAttempts counts the first
// try; zero means retry until the context ends. Publish policies must set it,
// since publishes ignore cancellation.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(bo, ctx)
}

func fetchBlock(ctx context.Context, src chain.BlockSource, n uint64, policy RetryPolicy, onRetry func(error, time.Duration)) (domain.Block, bool, error) {
	var (
		block domain.Block
		found bool
	)
	err := backoff.RetryNotify(func() error {
		b, ok, err := src.BlockByNumber(ctx, n)
		if err != nil {
			if chain.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		block, found = b, ok
		return nil
	}, policy.backOff(ctx), onRetry)
	if err != nil {
		return domain.Block{}, false, err
	}
	return block, found, nil
}

func latestBlock(ctx context.Context, src chain.BlockSource, policy RetryPolicy, onRetry func(error, time.Duration)) (uint64, error) {
	var tip uint64
	err := backoff.RetryNotify(func() error {
		n, err := src.LatestBlockNumber(ctx)
		if err != nil {
			if chain.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		tip = n
		return nil
	}, policy.backOff(ctx), onRetry)
	return tip, err
}

func publishWithRetry(ctx context.Context, p Publisher, topic string, msg streaming.Message, policy RetryPolicy, onRetry func(error, time.Duration)) error {
	err := backoff.RetryNotify(func() error {
		err := p.Publish(ctx, topic, msg)
		if unpublishable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy.backOff(ctx), onRetry)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannelPublish) {
		return err
	}
	return fmt.Errorf("%w: %s block %d: %w", ErrChannelPublish, topic, msg.BlockNumber, err)
}

func unpublishable(err error) bool {
	return errors.Is(err, streaming.ErrSerialization) || errors.Is(err, streaming.ErrMessageTooLarge)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
