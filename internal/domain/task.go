package domain

import (
	"fmt"
	"math"
)

type Mode string

const (
	ModeHistorical Mode = "historical"
	ModeRealtime   Mode = "realtime"
)

// UntilTip as a range end runs to the current tip.
const UntilTip uint64 = math.MaxUint64

// Range is an inclusive block range.
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Bounded() bool {
	return r.End != UntilTip
}

func (r Range) Contains(n uint64) bool {
	return n >= r.Start && n <= r.End
}

type IngestionTask struct {
	ChainName string
	Schema    string
	Mode      Mode
	Range     Range
}

func (t IngestionTask) Name() string {
	return fmt.Sprintf("%s/%s/%s", t.ChainName, t.Schema, t.Mode)
}
