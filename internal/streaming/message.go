package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"blockingest/internal/domain"
)

var (
	ErrSerialization   = errors.New("serialization error")
	ErrMessageTooLarge = errors.New("message too large")
)

type Message struct {
	ChainName       string        `json:"chain_name"`
	Schema          string        `json:"schema,omitempty"`
	BlockNumber     uint64        `json:"block_number"`
	Hash            string        `json:"hash"`
	ParentHash      string        `json:"parent_hash"`
	Timestamp       uint64        `json:"timestamp"`
	Miner           string        `json:"miner"`
	Difficulty      string        `json:"difficulty"`
	TotalDifficulty string        `json:"total_difficulty,omitempty"`
	GasUsed         uint64        `json:"gas_used"`
	GasLimit        uint64        `json:"gas_limit"`
	Size            uint64        `json:"size"`
	ReceiptsRoot    string        `json:"receipts_root"`
	TxCount         int           `json:"tx_count"`
	Transactions    []Transaction `json:"transactions"`
}

type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasPrice    string `json:"gas_price"`
	Gas         uint64 `json:"gas"`
	Input       string `json:"input"`
	Nonce       uint64 `json:"nonce"`
	BlockNumber uint64 `json:"block_number"`
}

func FromBlock(schema string, block domain.Block) Message {
	txs := make([]Transaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txs = append(txs, Transaction{
			Hash:        tx.Hash,
			From:        tx.From,
			To:          tx.To,
			Value:       tx.Value,
			GasPrice:    tx.GasPrice,
			Gas:         tx.Gas,
			Input:       tx.Input,
			Nonce:       tx.Nonce,
			BlockNumber: tx.BlockNumber,
		})
	}
	return Message{
		ChainName:       block.ChainName,
		Schema:          schema,
		BlockNumber:     block.Number,
		Hash:            block.Hash,
		ParentHash:      block.ParentHash,
		Timestamp:       block.Timestamp,
		Miner:           block.Miner,
		Difficulty:      block.Difficulty,
		TotalDifficulty: block.TotalDifficulty,
		GasUsed:         block.GasUsed,
		GasLimit:        block.GasLimit,
		Size:            block.Size,
		ReceiptsRoot:    block.ReceiptsRoot,
		TxCount:         len(txs),
		Transactions:    txs,
	}
}

func (m Message) Block() domain.Block {
	txs := make([]domain.Transaction, 0, len(m.Transactions))
	for _, tx := range m.Transactions {
		txs = append(txs, domain.Transaction{
			Hash:        tx.Hash,
			BlockNumber: tx.BlockNumber,
			From:        tx.From,
			To:          tx.To,
			Value:       tx.Value,
			GasPrice:    tx.GasPrice,
			Gas:         tx.Gas,
			Input:       tx.Input,
			Nonce:       tx.Nonce,
		})
	}
	return domain.Block{
		ChainName:       m.ChainName,
		Number:          m.BlockNumber,
		Hash:            m.Hash,
		ParentHash:      m.ParentHash,
		Timestamp:       m.Timestamp,
		Miner:           m.Miner,
		Difficulty:      m.Difficulty,
		TotalDifficulty: m.TotalDifficulty,
		GasUsed:         m.GasUsed,
		GasLimit:        m.GasLimit,
		Size:            m.Size,
		ReceiptsRoot:    m.ReceiptsRoot,
		Transactions:    txs,
	}
}

func Encode(msg Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return payload, nil
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	if strings.TrimSpace(m.ChainName) == "" {
		return fmt.Errorf("%w: chain_name is missing", ErrSerialization)
	}
	if m.Hash == "" {
		return fmt.Errorf("%w: hash is missing for block %d", ErrSerialization, m.BlockNumber)
	}
	if m.TxCount != len(m.Transactions) {
		return fmt.Errorf("%w: tx_count %d does not match %d transactions", ErrSerialization, m.TxCount, len(m.Transactions))
	}
	if err := checkQuantity("difficulty", m.Difficulty, false); err != nil {
		return err
	}
	if err := checkQuantity("total_difficulty", m.TotalDifficulty, true); err != nil {
		return err
	}
	for i, tx := range m.Transactions {
		if tx.Hash == "" {
			return fmt.Errorf("%w: transaction %d has no hash", ErrSerialization, i)
		}
		if tx.BlockNumber != m.BlockNumber {
			return fmt.Errorf("%w: transaction %s belongs to block %d, not %d", ErrSerialization, tx.Hash, tx.BlockNumber, m.BlockNumber)
		}
		if err := checkQuantity("value", tx.Value, false); err != nil {
			return err
		}
		if err := checkQuantity("gas_price", tx.GasPrice, false); err != nil {
			return err
		}
	}
	return nil
}

func checkQuantity(field, value string, optional bool) error {
	if value == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: %s is missing", ErrSerialization, field)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("%w: %s %q is not a number", ErrSerialization, field, value)
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("%w: %s %q is not a non-negative integer", ErrSerialization, field, value)
	}
	return nil
}

func TransactionsJSON(block domain.Block) ([]byte, error) {
	payload, err := json.Marshal(FromBlock("", block).Transactions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return payload, nil
}
