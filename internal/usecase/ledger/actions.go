package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/metrics"
)

// ManageCorporateActions applies the supplied corporate actions whose
// ex-date maps to the given business day: cash dividends and coupons
// credit the reserve, splits rescale the position and any pending
// same-instrument order. Processing is idempotent per (portfolio,
// action); re-processing is a no-op.
func (p *Portfolio) ManageCorporateActions(ctx context.Context, timestamp time.Time) {
	if p.actions == nil {
		return
	}
	day := domain.Day(timestamp)
	for _, pos := range p.Positions(timestamp, false) {
		meta, ok := p.instrumentMeta(pos.InstrumentID)
		if !ok || meta.Class != domain.ClassSecurity {
			continue
		}
		acts, err := p.actions.ActionsFor(ctx, pos.InstrumentID, timestamp)
		if err != nil {
			p.log.Warn("corporate action lookup failed", zap.Int64("portfolio", p.id),
				zap.Int64("security", pos.InstrumentID), zap.Error(err))
			continue
		}
		for _, act := range acts {
			exDay := act.ExDate
			if p.calendar != nil {
				exDay = p.calendar.ClosestBusinessDay(act.ExDate, domain.DirectionFollowing)
			}
			if !domain.Day(exDay).Equal(day) {
				continue
			}
			if err := p.applyCorporateAction(ctx, pos, meta, act, timestamp); err != nil {
				p.log.Warn("corporate action failed", zap.Int64("portfolio", p.id),
					zap.String("action", act.ID), zap.Error(err))
			}
		}
	}
}

func (p *Portfolio) applyCorporateAction(ctx context.Context, pos domain.Position, meta *domain.Instrument, act domain.CorporateAction, timestamp time.Time) error {
	p.mu.Lock()
	if _, done := p.processedActions[act.ID]; done {
		p.mu.Unlock()
		return nil
	}
	p.processedActions[act.ID] = struct{}{}
	p.mu.Unlock()

	switch act.Type {
	case domain.ActionCashDividend, domain.ActionCoupon:
		cash := pos.Unit.Mul(act.Amount)
		if err := p.UpdateReservePosition(ctx, timestamp, cash, meta.Currency); err != nil {
			return err
		}
	case domain.ActionSplit:
		if act.Amount.Sign() <= 0 {
			return fmt.Errorf("split %s: non-positive factor %s", act.ID, act.Amount)
		}
		if err := p.rescaleUnit(ctx, pos.InstrumentID, timestamp, act.Amount); err != nil {
			return err
		}
		p.rescaleOpenOrders(ctx, pos.InstrumentID, timestamp, act.Amount)
	default:
		return fmt.Errorf("unsupported corporate action type %s", act.Type)
	}

	if p.store != nil {
		if err := p.store.SetProperty(ctx, "corporate_action", pos.PortfolioID, "processed", act.ID); err != nil {
			p.log.Warn("persist processed action failed", zap.String("action", act.ID), zap.Error(err))
		}
	}
	metrics.ActionsApplied.Inc()
	return nil
}

// rescaleUnit multiplies the latest position unit by a factor, leaving
// the strike (cost basis) untouched.
func (p *Portfolio) rescaleUnit(ctx context.Context, instrumentID int64, timestamp time.Time, factor decimal.Decimal) error {
	p.mu.Lock()
	if timestamp.Before(p.lastTimestamp) {
		last := p.lastTimestamp
		p.mu.Unlock()
		return fmt.Errorf("rescale %d/%d at %s, watermark %s: %w",
			p.id, instrumentID, timestamp.UTC(), last.UTC(), domain.ErrTemporalOrderViolation)
	}
	prev, _ := p.latestPositionLocked(p.positions, instrumentID, timestamp)
	newUnit := domain.SnapUnit(prev.Unit.Mul(factor))
	unitDelta := newUnit.Sub(prev.Unit)
	pos := prev
	pos.Timestamp = timestamp
	pos.Unit = newUnit
	_ = p.insertPositionLocked(p.positions, pos, true)
	p.advanceWatermarkLocked(timestamp)
	store, log := p.store, p.log
	p.mu.Unlock()

	if store != nil {
		if err := store.SaveNewPositions(ctx, []domain.Position{pos}); err != nil {
			log.Warn("persist rescale failed", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", instrumentID), zap.Error(err))
		}
	}
	p.updateAggregatedPositionTree(ctx, instrumentID, timestamp, unitDelta, decimal.Zero)
	return nil
}

// rescaleOpenOrders adjusts pending same-instrument orders for a split:
// units scale by the factor, limits by its inverse.
func (p *Portfolio) rescaleOpenOrders(ctx context.Context, instrumentID int64, timestamp time.Time, factor decimal.Decimal) {
	p.mu.Lock()
	ids := append([]string(nil), p.ordersByInstrument[instrumentID]...)
	p.mu.Unlock()

	f, _ := factor.Float64()
	for _, id := range ids {
		o, ok := p.Order(id, false)
		if !ok || !o.IsOpen() {
			continue
		}
		unit := o.Unit.Mul(factor)
		upd := OrderUpdate{Unit: &unit}
		if o.Type == domain.OrderTypeLimit && f != 0 {
			limit := o.Limit / f
			upd.Limit = &limit
		}
		if err := p.UpdateOrderTree(ctx, id, upd); err != nil {
			p.log.Warn("order rescale failed", zap.String("order", id), zap.Error(err))
		}
	}
}
