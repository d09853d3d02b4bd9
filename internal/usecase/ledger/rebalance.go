package ledger

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// RebalanceNotional proportionally rescales every non-reserve position
// so the book matches a new absolute notional, booking each rescale at
// the day's mid. Strategy holdings are left to the order-based flow;
// instruments without a mid wait for the next cycle.
func (p *Portfolio) RebalanceNotional(ctx context.Context, timestamp time.Time, target, previous float64) {
	if previous <= 0 || math.IsNaN(target) || math.IsInf(target, 0) {
		return
	}
	scale := target / previous
	if scale == 1 {
		return
	}
	for _, pos := range p.Positions(timestamp, false) {
		meta, ok := p.instrumentMeta(pos.InstrumentID)
		if !ok || meta.IsCash() || meta.IsStrategy() {
			continue
		}
		level := p.prices.Value(ctx, pos.InstrumentID, timestamp, domain.SeriesMid, domain.RollLastKnown)
		if math.IsNaN(level) {
			continue
		}
		unit, _ := pos.Unit.Float64()
		if _, err := p.CreatePosition(ctx, pos.InstrumentID, timestamp, unit*scale, level, CreatePositionOpts{Overwrite: true}); err != nil {
			p.log.Warn("notional rebalance failed", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", pos.InstrumentID), zap.Error(err))
		}
	}
}

// RebalanceNotionalOrders generates proportional target orders moving
// the book toward a new absolute notional: plain instruments get
// target market orders, sub-strategies get an intended AUM change plus
// the marker order its booking rides on.
func (p *Portfolio) RebalanceNotionalOrders(ctx context.Context, date time.Time, target, previous float64) {
	if previous <= 0 || math.IsNaN(target) || math.IsInf(target, 0) {
		return
	}
	scale := target / previous
	for _, pos := range p.Positions(date, false) {
		meta, ok := p.instrumentMeta(pos.InstrumentID)
		if !ok || meta.IsCash() {
			continue
		}
		unit, _ := pos.Unit.Float64()
		if meta.IsStrategy() {
			sub, registered := p.Sub(pos.InstrumentID)
			if !registered {
				continue
			}
			aum := sub.AUM(date)
			if math.IsNaN(aum) {
				continue
			}
			delta := aum*scale - aum - sub.PendingAUMChange(date)
			if delta == 0 {
				continue
			}
			if err := sub.OrderAUMChange(ctx, date, delta); err != nil {
				p.log.Warn("sub-strategy aum order failed", zap.Int64("portfolio", p.id),
					zap.Int64("strategy", pos.InstrumentID), zap.Error(err))
				continue
			}
			p.EnsureSubStrategyOrder(ctx, pos.InstrumentID, date)
			continue
		}
		if _, err := p.CreateTargetMarketOrder(ctx, pos.InstrumentID, date, unit*scale); err != nil {
			p.log.Warn("target order failed", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", pos.InstrumentID), zap.Error(err))
		}
	}
}

// EnsureSubStrategyOrder creates the marker order a sub-strategy AUM
// commit is booked against, unless one is already open for the date.
func (p *Portfolio) EnsureSubStrategyOrder(ctx context.Context, instrumentID int64, date time.Time) {
	day := domain.Day(date)
	for _, o := range p.Orders(day, false) {
		if o.InstrumentID == instrumentID && o.IsOpen() {
			return
		}
	}
	if _, err := p.CreateOrder(ctx, instrumentID, day, 1, CreateOrderOpts{Type: domain.OrderTypeMarket}); err != nil {
		p.log.Warn("sub-strategy marker order failed", zap.Int64("portfolio", p.id),
			zap.Int64("strategy", instrumentID), zap.Error(err))
	}
}

// Flatten closes every non-reserve position at the day's mid, sweeping
// all value into the reserve. Excess-return positions settle their
// variation margin first so the close-out leaves no strike residue.
func (p *Portfolio) Flatten(ctx context.Context, timestamp time.Time) error {
	p.DropNewOrders(ctx, timestamp)
	for _, pos := range p.Positions(timestamp, false) {
		meta, ok := p.instrumentMeta(pos.InstrumentID)
		if !ok || meta.IsCash() || meta.IsStrategy() {
			continue
		}
		level := p.prices.Value(ctx, pos.InstrumentID, timestamp, domain.SeriesMid, domain.RollLastKnown)
		if math.IsNaN(level) {
			p.log.Warn("flatten skipped, no level", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", pos.InstrumentID))
			continue
		}
		if meta.Funding == domain.FundingExcessReturn {
			unit, _ := pos.Unit.Float64()
			newStrike := decimal.NewFromFloat(unit * level)
			variation := newStrike.Sub(pos.Strike)
			if !variation.IsZero() {
				// Cash leg first, so a failed settle leaves the strike
				// anchored where it was.
				if err := p.UpdateReservePosition(ctx, timestamp, variation, meta.Currency); err != nil {
					return err
				}
				if err := p.rewriteStrike(ctx, pos.InstrumentID, timestamp, newStrike); err != nil {
					if rerr := p.UpdateReservePosition(ctx, timestamp, variation.Neg(), meta.Currency); rerr != nil {
						p.log.Error("variation revert failed", zap.Int64("portfolio", p.id),
							zap.Int64("instrument", pos.InstrumentID), zap.Error(rerr))
					}
					return err
				}
			}
		}
		if _, err := p.CreatePosition(ctx, pos.InstrumentID, timestamp, 0, level, CreatePositionOpts{Overwrite: true}); err != nil {
			return err
		}
	}
	return nil
}
