// Package chaintest provides a fake JSON-RPC node and the chain.Adapter contract suite.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

type FakeNode struct {
	mu       sync.Mutex
	tip      uint64
	txs      map[uint64][]map[string]any
	extra    map[uint64]map[string]any
	failures []int
	heads    map[chan map[string]any]struct{}

	server *rpc.Server
	http   *httptest.Server
	ws     *httptest.Server
}

func NewFakeNode(tip uint64) *FakeNode {
	n := &FakeNode{
		tip:   tip,
		txs:   make(map[uint64][]map[string]any),
		extra: make(map[uint64]map[string]any),
		heads: make(map[chan map[string]any]struct{}),
	}
	n.server = rpc.NewServer()
	if err := n.server.RegisterName("eth", &ethService{node: n}); err != nil {
		panic(err)
	}
	n.http = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	n.ws = httptest.NewServer(n.server.WebsocketHandler([]string{"*"}))
	return n
}

func (n *FakeNode) HTTPURL() string { return n.http.URL }

func (n *FakeNode) WSURL() string { return "ws" + strings.TrimPrefix(n.ws.URL, "http") }

func (n *FakeNode) Close() {
	n.http.Close()
	n.ws.CloseClientConnections()
	n.ws.Close()
	n.server.Stop()
}

func (n *FakeNode) Tip() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tip
}

func (n *FakeNode) Mine() uint64 {
	n.mu.Lock()
	n.tip++
	number := n.tip
	header := n.blockLocked(number, false)
	subs := make([]chan map[string]any, 0, len(n.heads))
	for ch := range n.heads {
		subs = append(subs, ch)
	}
	n.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- header:
		default:
		}
	}
	return number
}

func (n *FakeNode) SetTransactions(number uint64, txs []map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txs[number] = txs
}

func (n *FakeNode) SetBlockFields(number uint64, fields map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.extra[number] = fields
}

func (n *FakeNode) FailHTTP(statuses ...int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, statuses...)
}

func (n *FakeNode) serveHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	status := 0
	if len(n.failures) > 0 {
		status = n.failures[0]
		n.failures = n.failures[1:]
	}
	n.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	n.server.ServeHTTP(w, r)
}

func BlockHash(number uint64) string {
	return fmt.Sprintf("0x%064x", number+0xb10c)
}

func (n *FakeNode) blockLocked(number uint64, full bool) map[string]any {
	parent := "0x" + strings.Repeat("0", 64)
	if number > 0 {
		parent = BlockHash(number - 1)
	}
	txRoot := types.EmptyTxsHash.Hex()
	txs := n.txs[number]
	if len(txs) > 0 {
		txRoot = fmt.Sprintf("0x%064x", number+0x7e)
	}
	block := map[string]any{
		"number":           hexutil.EncodeUint64(number),
		"hash":             BlockHash(number),
		"parentHash":       parent,
		"sha3Uncles":       types.EmptyUncleHash.Hex(),
		"miner":            "0x00000000000000000000000000000000000000aa",
		"stateRoot":        fmt.Sprintf("0x%064x", number+0x5747e),
		"transactionsRoot": txRoot,
		"receiptsRoot":     types.EmptyReceiptsHash.Hex(),
		"logsBloom":        "0x" + strings.Repeat("0", 512),
		"difficulty":       "0x20000",
		"totalDifficulty":  hexutil.EncodeBig(new(big.Int).SetUint64(0x20000 * (number + 1))),
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        hexutil.EncodeUint64(1_700_000_000 + number*12),
		"extraData":        "0x",
		"mixHash":          "0x" + strings.Repeat("0", 64),
		"nonce":            "0x0000000000000000",
		"size":             "0x220",
		"uncles":           []string{},
	}
	for k, v := range n.extra[number] {
		block[k] = v
	}
	if full {
		if txs == nil {
			txs = []map[string]any{}
		}
		block["transactions"] = txs
	}
	return block
}

type ethService struct {
	node *FakeNode
}

func (s *ethService) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(s.node.Tip())
}

func (s *ethService) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1337))
}

func (s *ethService) GetBlockByNumber(number rpc.BlockNumber, full bool) (map[string]any, error) {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	var n uint64
	switch {
	case number >= 0:
		n = uint64(number)
	case number == rpc.LatestBlockNumber, number == rpc.SafeBlockNumber, number == rpc.FinalizedBlockNumber:
		n = s.node.tip
	default:
		return nil, fmt.Errorf("unsupported block tag %d", number)
	}
	if n > s.node.tip {
		return nil, nil
	}
	return s.node.blockLocked(n, full), nil
}

func (s *ethService) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()
	heads := make(chan map[string]any, 16)
	s.node.mu.Lock()
	s.node.heads[heads] = struct{}{}
	s.node.mu.Unlock()

	go func() {
		defer func() {
			s.node.mu.Lock()
			delete(s.node.heads, heads)
			s.node.mu.Unlock()
		}()
		for {
			select {
			case header := <-heads:
				if err := notifier.Notify(sub.ID, header); err != nil {
					return
				}
			case <-sub.Err():
				return
			}
		}
	}()
	return sub, nil
}
