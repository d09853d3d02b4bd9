package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// MarginFutures settles variation margin: every futures position with
// a valid mark has its strike re-anchored at the mark and the accrued
// PnL routed through the reserve as cash. Positions without a mark
// wait for the next cycle.
func (p *Portfolio) MarginFutures(ctx context.Context, timestamp time.Time) {
	for _, pos := range p.Positions(timestamp, false) {
		meta, ok := p.instrumentMeta(pos.InstrumentID)
		if !ok || !meta.IsFuture() {
			continue
		}
		mark := p.prices.Value(ctx, pos.InstrumentID, timestamp, domain.SeriesLast, domain.RollLastKnown)
		if math.IsNaN(mark) {
			p.log.Debug("margin skipped, no mark", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", pos.InstrumentID))
			continue
		}
		unit, _ := pos.Unit.Float64()
		newStrike := decimal.NewFromFloat(unit * mark)
		variation := newStrike.Sub(pos.Strike)
		if variation.IsZero() {
			continue
		}
		// The cash leg books first: a settlement that cannot pay leaves
		// the strike anchored where it was.
		if err := p.UpdateReservePosition(ctx, timestamp, variation, meta.Currency); err != nil {
			p.log.Warn("variation margin booking failed", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", pos.InstrumentID), zap.Error(err))
			continue
		}
		if err := p.rewriteStrike(ctx, pos.InstrumentID, timestamp, newStrike); err != nil {
			p.log.Warn("margin re-strike failed", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", pos.InstrumentID), zap.Error(err))
			if rerr := p.UpdateReservePosition(ctx, timestamp, variation.Neg(), meta.Currency); rerr != nil {
				p.log.Error("variation margin revert failed", zap.Int64("portfolio", p.id),
					zap.Int64("instrument", pos.InstrumentID), zap.Error(rerr))
			}
		}
	}
}

// rewriteStrike supersedes the latest position with the same unit but
// a new strike anchor, rolling the strike delta into the aggregated
// tables.
func (p *Portfolio) rewriteStrike(ctx context.Context, instrumentID int64, timestamp time.Time, newStrike decimal.Decimal) error {
	p.mu.Lock()
	if timestamp.Before(p.lastTimestamp) {
		last := p.lastTimestamp
		p.mu.Unlock()
		return fmt.Errorf("re-strike %d/%d at %s, watermark %s: %w",
			p.id, instrumentID, timestamp.UTC(), last.UTC(), domain.ErrTemporalOrderViolation)
	}
	prev, _ := p.latestPositionLocked(p.positions, instrumentID, timestamp)
	strikeDelta := newStrike.Sub(prev.Strike)
	pos := prev
	pos.Timestamp = timestamp
	pos.Strike = newStrike
	pos.StrikeTimestamp = timestamp
	_ = p.insertPositionLocked(p.positions, pos, true)
	p.advanceWatermarkLocked(timestamp)
	store, log := p.store, p.log
	p.mu.Unlock()

	if store != nil {
		if err := store.SaveNewPositions(ctx, []domain.Position{pos}); err != nil {
			log.Warn("persist re-strike failed", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", instrumentID), zap.Error(err))
		}
	}
	p.updateAggregatedPositionTree(ctx, instrumentID, timestamp, decimal.Zero, strikeDelta)
	return nil
}
