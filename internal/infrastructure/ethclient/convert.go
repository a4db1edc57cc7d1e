package ethclient

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"blockingest/internal/chain"
	"blockingest/internal/domain"
)

// ConvertBlock maps a go-ethereum block onto the domain model. Addresses and
// hashes are lower-cased hex, big quantities base-10 strings.
func ConvertBlock(chainName string, block *types.Block) (domain.Block, error) {
	out := domain.Block{
		ChainName:    chainName,
		Number:       block.NumberU64(),
		Hash:         lowerHex(block.Hash().Hex()),
		ParentHash:   lowerHex(block.ParentHash().Hex()),
		Timestamp:    block.Time(),
		Miner:        lowerHex(block.Coinbase().Hex()),
		Difficulty:   "0",
		GasUsed:      block.GasUsed(),
		GasLimit:     block.GasLimit(),
		Size:         block.Size(),
		ReceiptsRoot: lowerHex(block.ReceiptHash().Hex()),
	}
	if d := block.Difficulty(); d != nil {
		out.Difficulty = d.String()
	}
	txs := block.Transactions()
	out.Transactions = make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		converted, err := convertTransaction(out.Number, tx)
		if err != nil {
			return domain.Block{}, err
		}
		out.Transactions = append(out.Transactions, converted)
	}
	return out, nil
}

func convertTransaction(blockNumber uint64, tx *types.Transaction) (domain.Transaction, error) {
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil {
		return domain.Transaction{}, chain.Permanent(fmt.Errorf("recover sender of %s: %w", tx.Hash().Hex(), err))
	}
	out := domain.Transaction{
		Hash:        lowerHex(tx.Hash().Hex()),
		BlockNumber: blockNumber,
		From:        lowerHex(from.Hex()),
		Value:       tx.Value().String(),
		GasPrice:    tx.GasPrice().String(),
		Gas:         tx.Gas(),
		Input:       hexutil.Encode(tx.Data()),
		Nonce:       tx.Nonce(),
	}
	if to := tx.To(); to != nil {
		out.To = lowerHex(to.Hex())
	}
	return out, nil
}

func lowerHex(s string) string {
	return strings.ToLower(s)
}
