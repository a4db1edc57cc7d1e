// Package ethclient reads EVM chains through go-ethereum's client.
package ethclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	gethclient "github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
)

const (
	codeMethodNotFound = -32601
	headBuffer         = 64
)

type Config struct {
	ChainName    string
	HTTPURL      string
	// WSURL enables push subscriptions. Without it new blocks are polled.
	WSURL        string
	PollInterval time.Duration
}

// Adapter dials one websocket per subscription.
type Adapter struct {
	chainName    string
	wsURL        string
	pollInterval time.Duration
	client       *gethclient.Client
}

func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.HTTPURL) == "" {
		return nil, chain.Permanent(errors.New("http url is required"))
	}
	client, err := gethclient.DialContext(ctx, cfg.HTTPURL)
	if err != nil {
		return nil, chain.Permanent(fmt.Errorf("dial %s: %w", cfg.ChainName, err))
	}
	return &Adapter{
		chainName:    cfg.ChainName,
		wsURL:        cfg.WSURL,
		pollInterval: cfg.PollInterval,
		client:       client,
	}, nil
}

func (a *Adapter) ChainName() string {
	return a.chainName
}

func (a *Adapter) Close() {
	a.client.Close()
}

func (a *Adapter) LatestBlockNumber(ctx context.Context) (uint64, error) {
	n, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify("eth_blockNumber", err)
	}
	return n, nil
}

func (a *Adapter) BlockByNumber(ctx context.Context, n uint64) (domain.Block, bool, error) {
	block, err := a.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if errors.Is(err, ethereum.NotFound) {
		return domain.Block{}, false, nil
	}
	if err != nil {
		return domain.Block{}, false, classify("eth_getBlockByNumber", err)
	}
	converted, err := ConvertBlock(a.chainName, block)
	if err != nil {
		return domain.Block{}, false, err
	}
	return converted, true, nil
}

func (a *Adapter) SubscribeNewBlocks(ctx context.Context, sink chan<- domain.Block) (chain.Subscription, error) {
	if a.wsURL == "" {
		return chain.PollNewBlocks(ctx, a, a.pollInterval, sink)
	}
	ws, err := gethclient.DialContext(ctx, a.wsURL)
	if err != nil {
		return nil, chain.Transient(fmt.Errorf("dial websocket: %w", err))
	}
	heads := make(chan *types.Header, headBuffer)
	headSub, err := ws.SubscribeNewHead(ctx, heads)
	if err != nil {
		ws.Close()
		return nil, classify("eth_subscribe", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer ws.Close()
		defer headSub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case err := <-headSub.Err():
				if err == nil {
					err = chain.ErrStreamClosed
				}
				return chain.Transient(err)
			case head := <-heads:
				number := head.Number.Uint64()
				block, ok, err := a.BlockByNumber(ctx, number)
				if err != nil {
					return err
				}
				if !ok {
					return chain.Transient(fmt.Errorf("announced block %d is not served yet", number))
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

func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", method, err)
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
			return chain.Permanent(wrapped)
		}
		return chain.Transient(wrapped)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeMethodNotFound {
		return chain.Permanent(wrapped)
	}
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return chain.Permanent(wrapped)
	}
	return chain.Transient(wrapped)
}
