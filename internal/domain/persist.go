package domain

import "strings"

type PersistOutcome struct {
	BlockInserted        bool
	TransactionsInserted int
	// StoredHash is the hash already on record when the block row existed.
	StoredHash           string
}

func (o PersistOutcome) Conflicts(hash string) bool {
	return !o.BlockInserted && o.StoredHash != "" && !strings.EqualFold(o.StoredHash, hash)
}

func (o PersistOutcome) Result(hash string) string {
	switch {
	case o.BlockInserted:
		return "inserted"
	case o.Conflicts(hash):
		return "conflict"
	default:
		return "duplicate"
	}
}
