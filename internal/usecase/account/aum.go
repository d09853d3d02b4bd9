package account

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// AUM returns the committed assets under management at the floor date,
// or NaN when none is known yet.
func (s *Strategy) AUM(date time.Time) float64 {
	pt, ok := s.aum.Latest(date)
	if !ok {
		return math.NaN()
	}
	f, _ := pt.Value.Float64()
	return f
}

// PendingAUMChange returns the intended, not yet committed AUM change
// carried at or before the date. A change whose marker order deferred
// rolls forward day over day until it commits.
func (s *Strategy) PendingAUMChange(date time.Time) float64 {
	pt, ok := s.aumChange.Latest(date)
	if !ok {
		return 0
	}
	f, _ := pt.Value.Float64()
	return f
}

// clearPending removes every uncommitted change point at or before the
// date, including ones carried forward from earlier cycles.
func (s *Strategy) clearPending(date time.Time) {
	for {
		pt, ok := s.aumChange.Latest(date)
		if !ok {
			return
		}
		s.aumChange.Delete(pt.Date)
	}
}

// NextAUM is the AUM available to this cycle's logic: the committed
// AUM plus the pending change. NaN when neither is known.
func (s *Strategy) NextAUM(date time.Time) float64 {
	aum := s.AUM(date)
	pending := s.PendingAUMChange(date)
	if math.IsNaN(aum) {
		if pending == 0 {
			return math.NaN()
		}
		return pending
	}
	return aum + pending
}

// UpdateAUM records a new AUM point. With commitToPortfolio the AUM
// delta is booked into the reserve as a capital flow, any pending
// change is superseded, and every non-reserve position is
// proportionally rescaled to the new notional. Without it the call is
// a pure mark-to-value and leaves an uncommitted change in place.
func (s *Strategy) UpdateAUM(ctx context.Context, date time.Time, value float64, commitToPortfolio bool) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("update aum %d: value %v: %w", s.instrument.ID, value, domain.ErrInvalidQuantity)
	}
	previous := s.AUM(date)
	if math.IsNaN(previous) {
		previous = 0
	}
	s.aum.Set(date, decimal.NewFromFloat(value))

	if !commitToPortfolio {
		return nil
	}
	s.clearPending(date)
	if s.book == nil {
		return nil
	}
	delta := decimal.NewFromFloat(value - previous)
	if !delta.IsZero() {
		if err := s.book.UpdateReservePosition(ctx, date, delta, s.Currency()); err != nil {
			return err
		}
	}
	s.book.RebalanceNotional(ctx, date, value, previous)
	return nil
}

// UpdateAUMOrder records an intended move to a new absolute AUM and
// generates the proportional target orders for it. Nothing is
// committed until the orders book.
func (s *Strategy) UpdateAUMOrder(ctx context.Context, date time.Time, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("aum order %d: value %v: %w", s.instrument.ID, value, domain.ErrInvalidQuantity)
	}
	previous := s.AUM(date)
	if math.IsNaN(previous) {
		previous = 0
	}
	s.clearPending(date)
	s.aumChange.Set(date, decimal.NewFromFloat(value-previous))
	if s.book != nil {
		s.book.RebalanceNotionalOrders(ctx, date, value, previous)
	}
	return nil
}

// OrderAUMChange shifts the pending AUM change by a delta, adjusting
// the book's orders accordingly. Called by the parent when allocating.
func (s *Strategy) OrderAUMChange(ctx context.Context, date time.Time, delta float64) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return fmt.Errorf("aum change %d: delta %v: %w", s.instrument.ID, delta, domain.ErrInvalidQuantity)
	}
	current := s.NextAUM(date)
	if math.IsNaN(current) {
		current = 0
	}
	pending := s.PendingAUMChange(date)
	s.clearPending(date)
	s.aumChange.Set(date, decimal.NewFromFloat(pending+delta))
	if s.book != nil {
		s.book.RebalanceNotionalOrders(ctx, date, current+delta, current)
	}
	return nil
}

// CommitAUMChange commits the pending change into the committed AUM
// and the book's reserve, returning the committed delta. The change is
// looked up at or before the date so that a change whose marker order
// deferred still commits on the retry cycle. The booking gate in the
// parent guarantees no child order is still in flight.
func (s *Strategy) CommitAUMChange(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	pt, ok := s.aumChange.Latest(date)
	if !ok || pt.Value.IsZero() {
		return decimal.Zero, nil
	}
	pending := pt.Value
	previous := s.AUM(date)
	if math.IsNaN(previous) {
		previous = 0
	}
	next := decimal.NewFromFloat(previous).Add(pending)
	s.aum.Set(date, next)
	s.aumChange.Delete(pt.Date)

	if s.book != nil {
		if err := s.book.UpdateReservePosition(ctx, date, pending, s.Currency()); err != nil {
			return decimal.Zero, err
		}
	}
	s.log.Debug("aum change committed", zap.Int64("strategy", s.instrument.ID),
		zap.String("delta", pending.String()))
	return pending, nil
}

// ExecutionContext is the snapshot a trading-logic callback runs on.
type ExecutionContext struct {
	Date     time.Time
	AUM      float64 // next AUM: committed plus pending change
	Universe []int64
	Active   []*Strategy
}

// NewExecutionContext computes the AUM available for this cycle's
// logic and refreshes the list of currently active sub-strategies.
func (s *Strategy) NewExecutionContext(ctx context.Context, date time.Time) *ExecutionContext {
	return &ExecutionContext{
		Date:     domain.Day(date),
		AUM:      s.NextAUM(date),
		Universe: s.Universe(date),
		Active:   s.ActiveSubStrategies(date),
	}
}

// ActiveSubStrategies returns the children holding a live, nonzero
// position in this node's book.
func (s *Strategy) ActiveSubStrategies(date time.Time) []*Strategy {
	active := make([]*Strategy, 0)
	for _, child := range s.Children() {
		if s.book == nil {
			continue
		}
		if _, live := s.book.FindLatestPosition(child.InstrumentID(), date, false); live {
			active = append(active, child)
		}
	}
	return active
}

// ClearCycle discards the node's pending memory for a date: still-New
// orders are dropped, the pending AUM change is reset, and the AUM
// changes this node placed on its children are withdrawn. Used before
// the one-shot re-run when a child's AUM resolved late.
func (s *Strategy) ClearCycle(ctx context.Context, date time.Time) {
	if s.book != nil {
		s.book.DropNewOrders(ctx, date)
	}
	s.clearPending(date)
	for _, child := range s.Children() {
		child.clearPending(date)
	}
}
