package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// RealizeCarry charges any carry cost accrued on the instrument since
// the last realization into the reserve, for this node and every
// descendant book holding the instrument. Realization is idempotent
// per (portfolio, instrument, day).
func (p *Portfolio) RealizeCarry(ctx context.Context, instrumentID int64, timestamp time.Time) {
	p.realizeCarryTree(ctx, instrumentID, timestamp)
}

func (p *Portfolio) realizeCarryTree(ctx context.Context, instrumentID int64, timestamp time.Time) {
	p.realizeCarry(ctx, instrumentID, timestamp)

	p.mu.Lock()
	books := make([]*Portfolio, 0, len(p.subs))
	for _, sub := range p.subs {
		if b := sub.Book(); b != nil {
			books = append(books, b)
		}
	}
	p.mu.Unlock()

	for _, b := range books {
		b.realizeCarryTree(ctx, instrumentID, timestamp)
	}
}

func (p *Portfolio) realizeCarry(ctx context.Context, instrumentID int64, timestamp time.Time) {
	meta, ok := p.instrumentMeta(instrumentID)
	if !ok || (meta.LongCarryRate == 0 && meta.ShortCarryRate == 0) || meta.CarryDayCount == 0 {
		return
	}

	key := fmt.Sprintf("%d|%s", instrumentID, domain.Day(timestamp).Format("2006-01-02"))

	p.mu.Lock()
	if _, done := p.carryRealized[key]; done {
		p.mu.Unlock()
		return
	}
	p.carryRealized[key] = struct{}{}

	from, touched := p.carryThrough[instrumentID]
	p.carryThrough[instrumentID] = timestamp
	if !touched {
		p.mu.Unlock()
		return
	}

	pos, _ := p.latestPositionLocked(p.positions, instrumentID, timestamp)
	p.mu.Unlock()

	if pos.IsZero() {
		return
	}

	days := timestamp.Sub(from).Hours() / 24
	if days <= 0 {
		return
	}

	rate := meta.CarryRate(pos.Unit.Sign())
	var notional float64
	if meta.IsCash() {
		notional, _ = pos.Unit.Float64()
	} else {
		notional, _ = pos.Strike.Float64()
	}

	charge := decimal.NewFromFloat(notional * rate * days / meta.CarryDayCount)
	if charge.IsZero() {
		return
	}
	if err := p.UpdateReservePosition(ctx, timestamp, charge, meta.Currency); err != nil {
		p.log.Warn("carry realization failed", zap.Int64("portfolio", p.id),
			zap.Int64("instrument", instrumentID), zap.Error(err))
	}
}
