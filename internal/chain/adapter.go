// Package chain defines the uniform accessor every supported blockchain is
// read through, and the error classes its implementations report.
package chain

import (
	"context"
	"errors"
	"fmt"

	"blockingest/internal/domain"
)

var (
	ErrTransient    = errors.New("transient chain error")
	ErrPermanent    = errors.New("permanent chain error")
	ErrStreamClosed = errors.New("block stream closed")
)

type BlockSource interface {
	// BlockByNumber returns false, without an error, when the chain has not
	// produced block n yet.
	BlockByNumber(ctx context.Context, n uint64) (domain.Block, bool, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// Adapter implementations are safe for concurrent use and never retry.
type Adapter interface {
	BlockSource
	// SubscribeNewBlocks pushes newly produced blocks into sink until the
	// subscription is cancelled or fails. Failures are reported on Err and
	// the caller may subscribe again.
	SubscribeNewBlocks(ctx context.Context, sink chan<- domain.Block) (Subscription, error)
	ChainName() string
	Close()
}

type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
