package ethclient

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockingest/internal/chain"
	"blockingest/internal/chain/chaintest"
)

func TestAdapter_ContractOverHTTPPolling(t *testing.T) {
	chaintest.RunAdapterContract(t, "mainnet", func(t *testing.T, node *chaintest.FakeNode) chain.Adapter {
		adapter, err := New(context.Background(), Config{
			ChainName:    "mainnet",
			HTTPURL:      node.HTTPURL(),
			PollInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		return adapter
	})
}

func TestAdapter_ContractOverWebsocket(t *testing.T) {
	chaintest.RunAdapterContract(t, "mainnet", func(t *testing.T, node *chaintest.FakeNode) chain.Adapter {
		adapter, err := New(context.Background(), Config{
			ChainName: "mainnet",
			HTTPURL:   node.HTTPURL(),
			WSURL:     node.WSURL(),
		})
		require.NoError(t, err)
		return adapter
	})
}

func TestNew_RequiresHTTPURL(t *testing.T) {
	_, err := New(context.Background(), Config{ChainName: "mainnet"})
	assert.ErrorIs(t, err, chain.ErrPermanent)
}

func TestConvertBlock_RecoversSenders(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000Bb")

	signer := types.LatestSignerForChainID(big.NewInt(1))
	transfer, err := types.SignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     3,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(5_000_000_000_000_000),
	})
	require.NoError(t, err)
	creation, err := types.SignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     4,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       100_000,
		Data:      []byte{0x60, 0x80},
	})
	require.NoError(t, err)

	header := &types.Header{
		Number:     big.NewInt(18_000_000),
		ParentHash: common.HexToHash("0x01"),
		Coinbase:   common.HexToAddress("0x00000000000000000000000000000000000000Cc"),
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
		GasUsed:    121_000,
		Time:       1_700_000_000,
	}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: types.Transactions{transfer, creation}})

	got, err := ConvertBlock("mainnet", block)
	require.NoError(t, err)
	assert.Equal(t, uint64(18_000_000), got.Number)
	assert.Equal(t, "mainnet", got.ChainName)
	assert.Equal(t, "0", got.Difficulty)
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", got.Miner)
	assert.Equal(t, block.Hash().Hex(), got.Hash)
	require.Len(t, got.Transactions, 2)

	first := got.Transactions[0]
	assert.Equal(t, lowerHex(sender.Hex()), first.From)
	assert.Equal(t, "0x00000000000000000000000000000000000000bb", first.To)
	assert.Equal(t, "5000000000000000", first.Value)
	assert.Equal(t, "30000000000", first.GasPrice)
	assert.Equal(t, uint64(3), first.Nonce)
	assert.Equal(t, uint64(18_000_000), first.BlockNumber)
	assert.Equal(t, "0x", first.Input)

	second := got.Transactions[1]
	assert.Empty(t, second.To)
	assert.Equal(t, "0x6080", second.Input)
	assert.Equal(t, lowerHex(sender.Hex()), second.From)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"unauthorized", rpc.HTTPError{StatusCode: http.StatusUnauthorized}, true},
		{"forbidden", rpc.HTTPError{StatusCode: http.StatusForbidden}, true},
		{"rate limited", rpc.HTTPError{StatusCode: http.StatusTooManyRequests}, false},
		{"bad gateway", rpc.HTTPError{StatusCode: http.StatusBadGateway}, false},
		{"method not found", rpcCodeError{code: -32601}, true},
		{"execution error", rpcCodeError{code: -32000}, false},
		{"network", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("eth_blockNumber", tt.err)
			if tt.permanent {
				assert.ErrorIs(t, err, chain.ErrPermanent)
			} else {
				assert.ErrorIs(t, err, chain.ErrTransient)
			}
		})
	}
}

type rpcCodeError struct {
	code int
}

func (e rpcCodeError) Error() string  { return "rpc failure" }
func (e rpcCodeError) ErrorCode() int { return e.code }
