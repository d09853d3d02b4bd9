package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// UpdateReservePosition adds or removes notional from the currency's
// reserve, switching between the long and short reserve instrument
// when the combined balance crosses zero. A short reserve never
// carries positive notional and vice versa.
func (p *Portfolio) UpdateReservePosition(ctx context.Context, timestamp time.Time, deltaValue decimal.Decimal, currency string) error {
	pair, err := p.reservePairFor(currency)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if timestamp.Before(p.lastTimestamp) {
		last := p.lastTimestamp
		p.mu.Unlock()
		return fmt.Errorf("update reserve %d/%s at %s, watermark %s: %w",
			p.id, currency, timestamp.UTC(), last.UTC(), domain.ErrTemporalOrderViolation)
	}

	longPos, _ := p.latestPositionLocked(p.positions, pair.long.ID, timestamp)
	shortPos, _ := p.latestPositionLocked(p.positions, pair.short.ID, timestamp)
	total := domain.SnapUnit(longPos.Unit.Add(shortPos.Unit).Add(deltaValue))

	newLong, newShort := total, decimal.Zero
	if total.Sign() < 0 {
		newLong, newShort = decimal.Zero, total
	}

	written := make([]domain.Position, 0, 2)
	deltas := make(map[int64]decimal.Decimal, 2)
	for _, leg := range []struct {
		inst *domain.Instrument
		old  decimal.Decimal
		new  decimal.Decimal
	}{
		{pair.long, longPos.Unit, newLong},
		{pair.short, shortPos.Unit, newShort},
	} {
		if leg.new.Equal(leg.old) {
			continue
		}
		pos := domain.Position{
			PortfolioID:     p.id,
			InstrumentID:    leg.inst.ID,
			Unit:            leg.new,
			Timestamp:       timestamp,
			Strike:          leg.new, // cash strike tracks face value
			StrikeTimestamp: timestamp,
		}
		_ = p.insertPositionLocked(p.positions, pos, true)
		written = append(written, pos)
		deltas[leg.inst.ID] = leg.new.Sub(leg.old)
	}
	p.advanceWatermarkLocked(timestamp)
	store, log := p.store, p.log
	p.mu.Unlock()

	if store != nil && len(written) > 0 {
		if err := store.SaveNewPositions(ctx, written); err != nil {
			log.Warn("persist reserve positions failed",
				zap.Int64("portfolio", p.id), zap.String("currency", currency), zap.Error(err))
		}
	}
	for id, d := range deltas {
		p.updateAggregatedPositionTree(ctx, id, timestamp, d, d)
	}
	return nil
}

// ReserveValue returns the combined long and short reserve balance of a
// currency at the floor date.
func (p *Portfolio) ReserveValue(timestamp time.Time, currency string) decimal.Decimal {
	pair, err := p.reservePairFor(currency)
	if err != nil {
		return decimal.Zero
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	longPos, _ := p.latestPositionLocked(p.positions, pair.long.ID, timestamp)
	shortPos, _ := p.latestPositionLocked(p.positions, pair.short.ID, timestamp)
	return longPos.Unit.Add(shortPos.Unit)
}

// ReserveCurrencies lists the currencies with designated reserves.
func (p *Portfolio) ReserveCurrencies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.reserves))
	for ccy := range p.reserves {
		out = append(out, ccy)
	}
	return out
}

// IsReserveInstrument reports whether the instrument is one of this
// book's designated cash reserves.
func (p *Portfolio) IsReserveInstrument(instrumentID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pair := range p.reserves {
		if pair.long.ID == instrumentID || pair.short.ID == instrumentID {
			return true
		}
	}
	return false
}

func (p *Portfolio) reservePairFor(currency string) (reservePair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pair, ok := p.reserves[currency]
	if !ok {
		return reservePair{}, fmt.Errorf("portfolio %d has no reserve for currency %s", p.id, currency)
	}
	return pair, nil
}
