package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// updateAggregatedPositionTree rolls a local unit/strike delta into the
// aggregated table of this node and every ancestor. The walk is
// strictly leaf to root and holds at most one node lock at a time, so
// a node is never updated before its children's contribution for the
// same event has been applied.
func (p *Portfolio) updateAggregatedPositionTree(ctx context.Context, instrumentID int64, timestamp time.Time, unitDelta, strikeDelta decimal.Decimal) {
	if unitDelta.IsZero() && strikeDelta.IsZero() {
		return
	}
	for node := p; node != nil; node = node.Parent() {
		node.applyAggregatedDelta(instrumentID, timestamp, unitDelta, strikeDelta)
	}
}

// applyAggregatedDelta folds a delta into this node's aggregated table
// at the given timestamp, anchored off the latest aggregated position
// at or before it.
func (p *Portfolio) applyAggregatedDelta(instrumentID int64, timestamp time.Time, unitDelta, strikeDelta decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, hadPrev := p.latestPositionLocked(p.aggregated, instrumentID, timestamp)
	pos := domain.Position{
		PortfolioID:            p.id,
		InstrumentID:           instrumentID,
		Unit:                   domain.SnapUnit(prev.Unit.Add(unitDelta)),
		Timestamp:              timestamp,
		Strike:                 prev.Strike.Add(strikeDelta),
		StrikeTimestamp:        timestamp,
		InitialStrike:          prev.InitialStrike,
		InitialStrikeTimestamp: prev.InitialStrikeTimestamp,
		Aggregated:             true,
	}
	if !hadPrev {
		pos.InitialStrike = pos.Strike
		pos.InitialStrikeTimestamp = timestamp
	}
	// Aggregated mirrors always supersede in place for the timestamp.
	_ = p.insertPositionLocked(p.aggregated, pos, true)
}
