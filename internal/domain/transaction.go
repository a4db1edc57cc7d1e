package domain

// Transaction is a transaction included in a Block. To is empty for contract creation.
type Transaction struct {
	Hash        string
	BlockNumber uint64
	From        string
	To          string
	Value       string
	GasPrice    string
	Gas         uint64
	Input       string
	Nonce       uint64
}
