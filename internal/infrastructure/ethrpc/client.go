package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
)

// JSON-RPC error codes that no amount of retrying will fix.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Client is a chain.Adapter speaking plain JSON-RPC over HTTP. It has no
// push transport, so new blocks are discovered by polling.
type Client struct {
	chainName    string
	url          string
	httpClient   *http.Client
	pollInterval time.Duration
	idCounter    uint64
}

type Config struct {
	ChainName    string
	URL          string
	Timeout      time.Duration
	PollInterval time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, chain.Permanent(errors.New("rpc url is required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		chainName:    cfg.ChainName,
		url:          cfg.URL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
	}, nil
}

func (c *Client) ChainName() string {
	return c.chainName
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	n, err := parseHexUint(result)
	if err != nil {
		return 0, chain.Transient(fmt.Errorf("eth_blockNumber: %w", err))
	}
	return n, nil
}

func (c *Client) BlockByNumber(ctx context.Context, n uint64) (domain.Block, bool, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getBlockByNumber", []any{formatHexUint(n), true}, &raw); err != nil {
		return domain.Block{}, false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Block{}, false, nil
	}
	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return domain.Block{}, false, chain.Transient(fmt.Errorf("decode block %d: %w", n, err))
	}
	converted, err := block.toDomain(c.chainName)
	if err != nil {
		return domain.Block{}, false, chain.Transient(fmt.Errorf("block %d: %w", n, err))
	}
	return converted, true, nil
}

func (c *Client) SubscribeNewBlocks(ctx context.Context, sink chan<- domain.Block) (chain.Subscription, error) {
	return chain.PollNewBlocks(ctx, c, c.pollInterval, sink)
}

type rpcBlock struct {
	Number          string           `json:"number"`
	Hash            string           `json:"hash"`
	ParentHash      string           `json:"parentHash"`
	Timestamp       string           `json:"timestamp"`
	Miner           string           `json:"miner"`
	Difficulty      string           `json:"difficulty"`
	TotalDifficulty string           `json:"totalDifficulty"`
	GasUsed         string           `json:"gasUsed"`
	GasLimit        string           `json:"gasLimit"`
	Size            string           `json:"size"`
	ReceiptsRoot    string           `json:"receiptsRoot"`
	Transactions    []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash        string  `json:"hash"`
	BlockNumber string  `json:"blockNumber"`
	From        string  `json:"from"`
	To          *string `json:"to"`
	Value       string  `json:"value"`
	GasPrice    string  `json:"gasPrice"`
	Gas         string  `json:"gas"`
	Input       string  `json:"input"`
	Nonce       string  `json:"nonce"`
}

func (b rpcBlock) toDomain(chainName string) (domain.Block, error) {
	var err error
	out := domain.Block{
		ChainName:    chainName,
		Hash:         strings.ToLower(b.Hash),
		ParentHash:   strings.ToLower(b.ParentHash),
		Miner:        strings.ToLower(b.Miner),
		ReceiptsRoot: strings.ToLower(b.ReceiptsRoot),
	}
	fields := []struct {
		name  string
		value string
		dst   *uint64
	}{
		{"number", b.Number, &out.Number},
		{"timestamp", b.Timestamp, &out.Timestamp},
		{"gasUsed", b.GasUsed, &out.GasUsed},
		{"gasLimit", b.GasLimit, &out.GasLimit},
		{"size", b.Size, &out.Size},
	}
	for _, f := range fields {
		if *f.dst, err = parseHexUint(f.value); err != nil {
			return domain.Block{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if out.Difficulty, err = hexToDecimal(b.Difficulty); err != nil {
		return domain.Block{}, fmt.Errorf("difficulty: %w", err)
	}
	if b.TotalDifficulty != "" {
		if out.TotalDifficulty, err = hexToDecimal(b.TotalDifficulty); err != nil {
			return domain.Block{}, fmt.Errorf("totalDifficulty: %w", err)
		}
	}
	out.Transactions = make([]domain.Transaction, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		converted, err := tx.toDomain(out.Number)
		if err != nil {
			return domain.Block{}, fmt.Errorf("transaction %s: %w", tx.Hash, err)
		}
		out.Transactions = append(out.Transactions, converted)
	}
	return out, nil
}

func (tx rpcTransaction) toDomain(blockNumber uint64) (domain.Transaction, error) {
	var err error
	out := domain.Transaction{
		Hash:        strings.ToLower(tx.Hash),
		BlockNumber: blockNumber,
		From:        strings.ToLower(tx.From),
		Input:       tx.Input,
	}
	if tx.To != nil {
		out.To = strings.ToLower(*tx.To)
	}
	if out.Gas, err = parseHexUint(tx.Gas); err != nil {
		return domain.Transaction{}, fmt.Errorf("gas: %w", err)
	}
	if out.Nonce, err = parseHexUint(tx.Nonce); err != nil {
		return domain.Transaction{}, fmt.Errorf("nonce: %w", err)
	}
	if out.Value, err = hexToDecimal(tx.Value); err != nil {
		return domain.Transaction{}, fmt.Errorf("value: %w", err)
	}
	// Typed transactions without a legacy gas price report none.
	if tx.GasPrice == "" {
		out.GasPrice = "0"
	} else if out.GasPrice, err = hexToDecimal(tx.GasPrice); err != nil {
		return domain.Transaction{}, fmt.Errorf("gasPrice: %w", err)
	}
	return out, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return chain.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return chain.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chain.Transient(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(method, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return chain.Transient(fmt.Errorf("%s: decode response: %w", method, err))
	}
	if decoded.Error != nil {
		switch decoded.Error.Code {
		case codeMethodNotFound, codeInvalidParams:
			return chain.Permanent(fmt.Errorf("%s: %w", method, decoded.Error))
		default:
			return chain.Transient(fmt.Errorf("%s: %w", method, decoded.Error))
		}
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return chain.Transient(fmt.Errorf("%s: rpc result is empty", method))
	}
	if raw, ok := result.(*json.RawMessage); ok {
		*raw = decoded.Result
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return chain.Transient(fmt.Errorf("%s: %w", method, err))
	}
	return nil
}

func classifyStatus(method string, err *StatusError) error {
	switch err.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		return chain.Permanent(fmt.Errorf("%s: %w", method, err))
	default:
		return chain.Transient(fmt.Errorf("%s: %w", method, err))
	}
}

func parseHexUint(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return 0, errors.New("empty hex value")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

func formatHexUint(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}

func hexToDecimal(value string) (string, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return "", errors.New("empty hex value")
	}
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return "", fmt.Errorf("invalid hex quantity %q", value)
	}
	return n.String(), nil
}
