// Package quantize provides order-unit quantization filters. A filter
// maps a raw computed unit onto the sizes an instrument can actually
// trade in, e.g. whole futures contracts or board lots. Filters are
// inherited from the tree root when a node does not set its own.
package quantize

import (
	"github.com/shopspring/decimal"
)

// Filter rounds a raw order unit to a tradable size.
type Filter interface {
	Quantize(instrumentID int64, unit decimal.Decimal) decimal.Decimal
}

// Identity passes units through unchanged.
type Identity struct{}

// Quantize returns the unit as-is.
func (Identity) Quantize(_ int64, unit decimal.Decimal) decimal.Decimal { return unit }

// LotSize rounds units toward zero to a multiple of the lot size
// configured per instrument. Instruments without a configured lot pass
// through unchanged. Rounding toward zero never increases exposure
// beyond what the caller asked for.
type LotSize struct {
	Lots map[int64]decimal.Decimal
}

// NewLotSize creates a lot-size filter from a per-instrument lot table.
func NewLotSize(lots map[int64]decimal.Decimal) *LotSize {
	return &LotSize{Lots: lots}
}

// Quantize rounds the unit toward zero to the instrument's lot size.
func (f *LotSize) Quantize(instrumentID int64, unit decimal.Decimal) decimal.Decimal {
	lot, ok := f.Lots[instrumentID]
	if !ok || lot.IsZero() {
		return unit
	}
	lots := unit.Div(lot).Truncate(0)
	return lots.Mul(lot)
}
