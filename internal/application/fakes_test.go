package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
	"blockingest/internal/streaming"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

var errNode = errors.New("node unavailable")

func testBlock(chainName string, n uint64) domain.Block {
	return domain.Block{
		ChainName:    chainName,
		Number:       n,
		Hash:         fmt.Sprintf("0x%064x", n+1000),
		ParentHash:   fmt.Sprintf("0x%064x", n+999),
		Timestamp:    1_700_000_000 + n,
		Miner:        "0x00000000000000000000000000000000000000aa",
		Difficulty:   "0",
		GasUsed:      21_000,
		GasLimit:     30_000_000,
		Size:         600,
		ReceiptsRoot: fmt.Sprintf("0x%064x", n),
		Transactions: []domain.Transaction{{
			Hash:        fmt.Sprintf("0x%064x", n*10+1),
			BlockNumber: n,
			From:        "0x00000000000000000000000000000000000000f1",
			To:          "0x00000000000000000000000000000000000000f2",
			Value:       "1000",
			GasPrice:    "7",
			Gas:         21_000,
			Input:       "0x",
			Nonce:       n,
		}},
	}
}

// fakeChain is an in-memory chain.Adapter whose head the test moves by hand.
type fakeChain struct {
	mu            sync.Mutex
	name          string
	tip           uint64
	fetchErrs     map[uint64][]error
	tipErrs       []error
	subscribeErrs []error
	subs          []*fakeSub
	fetched       []uint64
}

func newFakeChain(name string, tip uint64) *fakeChain {
	return &fakeChain{name: name, tip: tip, fetchErrs: make(map[uint64][]error)}
}

func (c *fakeChain) ChainName() string { return c.name }
func (c *fakeChain) Close()            {}

func (c *fakeChain) BlockByNumber(ctx context.Context, n uint64) (domain.Block, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = append(c.fetched, n)
	if errs := c.fetchErrs[n]; len(errs) > 0 {
		c.fetchErrs[n] = errs[1:]
		return domain.Block{}, false, errs[0]
	}
	if n > c.tip {
		return domain.Block{}, false, nil
	}
	return testBlock(c.name, n), true, nil
}

func (c *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tipErrs) > 0 {
		err := c.tipErrs[0]
		c.tipErrs = c.tipErrs[1:]
		return 0, err
	}
	return c.tip, nil
}

func (c *fakeChain) SubscribeNewBlocks(ctx context.Context, sink chan<- domain.Block) (chain.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribeErrs) > 0 {
		err := c.subscribeErrs[0]
		c.subscribeErrs = c.subscribeErrs[1:]
		return nil, err
	}
	sub := &fakeSub{sink: sink, errc: make(chan error, 1), quit: make(chan struct{})}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeChain) failFetch(n uint64, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErrs[n] = append(c.fetchErrs[n], errs...)
}

func (c *fakeChain) setTip(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip = n
}

func (c *fakeChain) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChain) fetchCount(n uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, f := range c.fetched {
		if f == n {
			count++
		}
	}
	return count
}

// announce mines block n, raising the tip if needed, and pushes it to the
// newest subscription.
func (c *fakeChain) announce(t *testing.T, n uint64) {
	t.Helper()
	c.mu.Lock()
	if n > c.tip {
		c.tip = n
	}
	sub := c.subs[len(c.subs)-1]
	c.mu.Unlock()
	select {
	case sub.sink <- testBlock(c.name, n):
	case <-time.After(time.Second):
		t.Fatalf("announce %d: sink blocked", n)
	}
}

func (c *fakeChain) breakStream(err error) {
	c.mu.Lock()
	sub := c.subs[len(c.subs)-1]
	c.mu.Unlock()
	sub.errc <- err
}

func waitForSubscriptions(t *testing.T, c *fakeChain, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.subscriptions() >= n }, 2*time.Second, time.Millisecond)
}

type fakeSub struct {
	sink chan<- domain.Block
	errc chan error
	quit chan struct{}
	once sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errc }
func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.quit) }) }

type published struct {
	topic string
	msg   streaming.Message
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	always   bool
	err      error
	onCall   func()
	out      []published
	calls    int
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, msg streaming.Message) error {
	p.mu.Lock()
	hook := p.onCall
	p.calls++
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.always {
		return errors.New("broker unreachable")
	}
	if p.failures > 0 {
		p.failures--
		return errors.New("broker not ready")
	}
	p.out = append(p.out, published{topic: topic, msg: msg})
	return nil
}

func (p *fakePublisher) numbers() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.out))
	for _, m := range p.out {
		out = append(out, m.msg.BlockNumber)
	}
	return out
}

type memCheckpoints struct {
	mu   sync.Mutex
	data map[string]uint64
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{data: make(map[string]uint64)}
}

func (m *memCheckpoints) LoadCheckpoint(ctx context.Context, key string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.data[key]
	return n, ok, nil
}

func (m *memCheckpoints) SaveCheckpoint(ctx context.Context, key string, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = n
	return nil
}

type staticWatermark struct {
	n  uint64
	ok bool
}

func (w staticWatermark) LatestBlockNumber(ctx context.Context, chainName string) (uint64, bool, error) {
	return w.n, w.ok, nil
}

// memRowStore mirrors the insert-if-absent semantics of the SQL stores.
type memRowStore struct {
	mu       sync.Mutex
	blocks   map[string]domain.Block
	txs      map[string]domain.Transaction
	failures int
	always   bool
	calls    int
}

func newMemRowStore() *memRowStore {
	return &memRowStore{blocks: make(map[string]domain.Block), txs: make(map[string]domain.Transaction)}
}

func (s *memRowStore) PersistBlock(ctx context.Context, block domain.Block) (domain.PersistOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.always {
		return domain.PersistOutcome{}, errors.New("database is down")
	}
	if s.failures > 0 {
		s.failures--
		return domain.PersistOutcome{}, errors.New("deadlock detected")
	}
	key := fmt.Sprintf("%s/%d", block.ChainName, block.Number)
	var outcome domain.PersistOutcome
	if existing, ok := s.blocks[key]; ok {
		outcome.StoredHash = existing.Hash
		if outcome.Conflicts(block.Hash) {
			return outcome, nil
		}
	} else {
		s.blocks[key] = block
		outcome.BlockInserted = true
	}
	for _, tx := range block.Transactions {
		txKey := block.ChainName + "/" + strings.ToLower(tx.Hash)
		if _, ok := s.txs[txKey]; ok {
			continue
		}
		s.txs[txKey] = tx
		outcome.TransactionsInserted++
	}
	return outcome, nil
}

func (s *memRowStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks), len(s.txs)
}

type fakeSource struct {
	mu     sync.Mutex
	queue  []Delivery
	acked  []Delivery
	ackErr error
}

func (s *fakeSource) push(d ...Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, d...)
}

func (s *fakeSource) Fetch(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return Delivery{}, ctx.Err()
}

func (s *fakeSource) Ack(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, d)
	return nil
}

func (s *fakeSource) ackedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.acked))
	for _, d := range s.acked {
		out = append(out, d.Offset)
	}
	return out
}

func deliveryFor(t *testing.T, offset int64, block domain.Block) Delivery {
	t.Helper()
	payload, err := streaming.Encode(streaming.FromBlock("blocks", block))
	require.NoError(t, err)
	return Delivery{Topic: "blockingest.devnet-blocks", Offset: offset, Value: payload}
}

// countingObserver records events by name.
type countingObserver struct {
	NopObserver
	mu     sync.Mutex
	counts map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{counts: make(map[string]int)}
}

func (o *countingObserver) inc(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[key]++
}

func (o *countingObserver) get(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

func (o *countingObserver) OnRetry(task domain.IngestionTask, op string) { o.inc("retry:" + op) }
func (o *countingObserver) OnPersisted(topic, result string)            { o.inc("persisted:" + result) }
func (o *countingObserver) OnRejected(topic string)                     { o.inc("rejected") }
func (o *countingObserver) OnPersistError(topic string)                 { o.inc("persist_error") }
func (o *countingObserver) OnTaskRestart(name string)                   { o.inc("restart:" + name) }

func collectUint(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}
