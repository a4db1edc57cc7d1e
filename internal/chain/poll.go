package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"blockingest/internal/domain"
)

const DefaultPollInterval = 2 * time.Second

// PollNewBlocks starts after the tip seen at subscribe time and fails on the
// first source error.
func PollNewBlocks(ctx context.Context, src BlockSource, interval time.Duration, sink chan<- domain.Block) (Subscription, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tip, err := src.LatestBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		next := tip + 1
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			latest, err := src.LatestBlockNumber(ctx)
			if err != nil {
				return err
			}
			for ; next <= latest; next++ {
				block, ok, err := src.BlockByNumber(ctx, next)
				if err != nil {
					return err
				}
				if !ok {
					return Transient(fmt.Errorf("block %d announced by tip %d is not available", next, latest))
				}
				select {
				case sink <- block:
				case <-quit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}), nil
}
