package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitTolerance is the threshold below which a position unit is snapped
// to exactly zero before any value computation.
var UnitTolerance = decimal.New(1, -9) // 1e-9

// Position is a booked exposure of one portfolio in one instrument.
// Positions are created only through ledger operations and are
// superseded, never deleted, by later-timestamped positions for the
// same (portfolio, instrument).
type Position struct {
	PortfolioID  int64
	InstrumentID int64

	// Unit is the signed exposure. For strategy instruments the unit
	// collapses to a 0/1 indicator and the economics live in the
	// sub-strategy's own book.
	Unit      decimal.Decimal
	Timestamp time.Time

	// Strike is the accumulated cost basis: notional for total-return
	// instruments, zero-based PnL anchor for excess-return instruments.
	Strike                 decimal.Decimal
	StrikeTimestamp        time.Time
	InitialStrike          decimal.Decimal
	InitialStrikeTimestamp time.Time

	// Aggregated marks the roll-up family: local positions carry the
	// node's own trades, aggregated positions the subtree sum.
	Aggregated bool
}

// IsZero reports whether the position unit is zero within tolerance.
func (p *Position) IsZero() bool {
	return p.Unit.Abs().LessThan(UnitTolerance)
}

// SnapUnit snaps a sub-tolerance unit to exactly zero.
func SnapUnit(u decimal.Decimal) decimal.Decimal {
	if u.Abs().LessThan(UnitTolerance) {
		return decimal.Zero
	}
	return u
}

// Value prices the position at the given market level. Total-return
// exposure is worth unit level; excess-return exposure is worth the
// PnL over the strike anchor. Cash is worth its unit. A NaN level
// propagates NaN.
func (p *Position) Value(instrument *Instrument, level float64) float64 {
	if p.IsZero() {
		return 0
	}
	unit, _ := p.Unit.Float64()
	strike, _ := p.Strike.Float64()
	switch {
	case instrument.IsCash():
		return unit
	case instrument.Funding == FundingExcessReturn:
		return unit*level - strike
	default:
		return unit * level
	}
}
