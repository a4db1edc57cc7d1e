package domain

type Block struct {
	ChainName       string
	Number          uint64
	Hash            string
	ParentHash      string
	Timestamp       uint64
	Miner           string
	Difficulty      string
	TotalDifficulty string
	GasUsed         uint64
	GasLimit        uint64
	Size            uint64
	ReceiptsRoot    string
	Transactions    []Transaction
}

func (b Block) TxCount() int {
	return len(b.Transactions)
}
