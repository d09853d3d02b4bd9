package ledger

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HedgeFX sweeps every non-base currency reserve into the base
// currency reserve at the day's FX rate, leaving no residual non-base
// cash exposure. Currencies whose rate is unavailable are left for the
// next cycle.
func (p *Portfolio) HedgeFX(ctx context.Context, timestamp time.Time) {
	for _, ccy := range p.ReserveCurrencies() {
		if ccy == p.currency {
			continue
		}
		balance := p.ReserveValue(timestamp, ccy)
		if balance.IsZero() {
			continue
		}
		rate := p.prices.FXRate(ctx, ccy, p.currency, timestamp)
		if math.IsNaN(rate) || rate <= 0 {
			p.log.Debug("fx hedge skipped, no rate", zap.Int64("portfolio", p.id),
				zap.String("currency", ccy))
			continue
		}
		if err := p.UpdateReservePosition(ctx, timestamp, balance.Neg(), ccy); err != nil {
			p.log.Warn("fx hedge failed", zap.Int64("portfolio", p.id),
				zap.String("currency", ccy), zap.Error(err))
			continue
		}
		converted := balance.Mul(decimal.NewFromFloat(rate))
		if err := p.UpdateReservePosition(ctx, timestamp, converted, p.currency); err != nil {
			p.log.Warn("fx hedge failed", zap.Int64("portfolio", p.id),
				zap.String("currency", p.currency), zap.Error(err))
		}
	}
}
