package account

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// initialNAVIndex is the index level a strategy starts from.
const initialNAVIndex = 1.0

// PreNAVCalculation computes the NAV of a node without its own ledger
// from the instrument's published mid series. It runs before the
// ledger-backed nodes so synthetic index dependencies resolve first.
func (s *Strategy) PreNAVCalculation(ctx context.Context, date time.Time) error {
	if s.book != nil || s.prices == nil {
		return nil
	}
	level := s.prices.Value(ctx, s.instrument.ID, date, domain.SeriesMid, domain.RollLastKnown)
	if math.IsNaN(level) {
		return nil
	}
	s.nav.Set(date, decimal.NewFromFloat(level))
	return nil
}

// NAVCalculation updates the NAV index after booking:
//
//	index(t) = index(t-) + (value(mid) - aumBefore)
//
// For excess-return-funded strategies the AUM is added back into the
// mid value first, so the index tracks pure excess return. A
// non-positive resulting value flattens the book, sweeps the residual
// reserve to the parent and closes the node's trading window. The AUM
// is then marked to the computed value without touching the reserve.
func (s *Strategy) NAVCalculation(ctx context.Context, date time.Time) error {
	if s.book == nil {
		return s.PreNAVCalculation(ctx, date)
	}
	aumBefore := s.AUM(date)
	if math.IsNaN(aumBefore) {
		return nil
	}

	v := s.book.Value(ctx, date, domain.SeriesMid)
	if math.IsNaN(v) {
		s.log.Warn("nav skipped, book value unavailable",
			zap.Int64("strategy", s.instrument.ID), zap.Time("date", date))
		return nil
	}
	if s.instrument.Funding == domain.FundingExcessReturn {
		v += aumBefore
	}

	if v <= 0 {
		s.log.Info("strategy value exhausted, flattening",
			zap.Int64("strategy", s.instrument.ID), zap.Float64("value", v))
		if err := s.book.Flatten(ctx, date); err != nil {
			return err
		}
		if err := s.sweepReserveToParent(ctx, date); err != nil {
			return err
		}
		s.Deactivate(date)
	}

	prev := initialNAVIndex
	if pt, ok := s.nav.Previous(date); ok {
		prev, _ = pt.Value.Float64()
	}
	s.nav.Set(date, decimal.NewFromFloat(prev+(v-aumBefore)))

	return s.UpdateAUM(ctx, date, v, false)
}

// sweepReserveToParent moves the node's residual reserve value, per
// currency, into the parent's reserve. Without a parent book the
// residual stays where it is.
func (s *Strategy) sweepReserveToParent(ctx context.Context, date time.Time) error {
	parent := s.Parent()
	if parent == nil || parent.Book() == nil {
		return nil
	}
	for _, ccy := range s.book.ReserveCurrencies() {
		residual := s.book.ReserveValue(date, ccy)
		if residual.IsZero() {
			continue
		}
		if err := parent.Book().UpdateReservePosition(ctx, date, residual, ccy); err != nil {
			return err
		}
		if err := s.book.UpdateReservePosition(ctx, date, residual.Neg(), ccy); err != nil {
			return err
		}
	}
	return nil
}

// Deactivate closes the node's trading window at the given date. The
// next add/remove pass detaches it from the tree.
func (s *Strategy) Deactivate(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalDate = domain.Day(date)
}
