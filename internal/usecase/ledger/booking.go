package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/metrics"
)

// BookOrders converts the day's open orders with a known execution
// level into positions. Failures are isolated per order so one bad
// order does not block the rest of the book.
func (p *Portfolio) BookOrders(ctx context.Context, timestamp time.Time) {
	p.bookOrders(ctx, timestamp, false)
}

// ReBookOrders retries the day's NotExecuted orders in addition to the
// open ones.
func (p *Portfolio) ReBookOrders(ctx context.Context, timestamp time.Time) {
	p.bookOrders(ctx, timestamp, true)
}

func (p *Portfolio) bookOrders(ctx context.Context, timestamp time.Time, retryNotExecuted bool) {
	// The backlog includes earlier-dated orders still awaiting a level,
	// not just today's.
	for _, o := range p.NonExecutedOrders(timestamp, false) {
		eligible := o.IsOpen() || (retryNotExecuted && o.Status == domain.OrderStatusNotExecuted)
		if !eligible {
			continue
		}
		if err := p.bookOrder(ctx, o.ID, timestamp); err != nil {
			p.log.Warn("order booking failed", zap.Int64("portfolio", p.id),
				zap.String("order", o.ID), zap.Error(err))
		}
	}
}

func (p *Portfolio) bookOrder(ctx context.Context, orderID string, timestamp time.Time) error {
	// Re-read: downward propagation may have advanced the order since
	// the snapshot.
	o, ok := p.Order(orderID, false)
	if !ok || o.Status == domain.OrderStatusBooked {
		return nil
	}

	if o.Unit.IsZero() {
		return p.UpdateOrderTree(ctx, o.ID, OrderUpdate{Status: domain.OrderStatusBooked})
	}

	meta, found := p.instrumentMeta(o.InstrumentID)
	if !found {
		return nil
	}
	if meta.IsStrategy() {
		if sub, registered := p.Sub(o.InstrumentID); registered {
			return p.bookSubStrategyOrder(ctx, o, timestamp, sub)
		}
	}

	if !o.HasExecutionLevel() {
		// Missing market data is steady state: an Executed order
		// without a usable level defers to the next cycle, anything
		// else just keeps waiting.
		if o.Status == domain.OrderStatusExecuted {
			return p.UpdateOrderTree(ctx, o.ID, OrderUpdate{Status: domain.OrderStatusNotExecuted})
		}
		return nil
	}

	if err := p.advanceToExecuted(ctx, &o); err != nil {
		return err
	}

	current, _ := p.FindLatestPosition(o.InstrumentID, timestamp, false)
	target, _ := current.Unit.Add(o.Unit).Float64()
	if _, err := p.CreatePosition(ctx, o.InstrumentID, timestamp, target, o.ExecutionLevel, CreatePositionOpts{Overwrite: true}); err != nil {
		return err
	}

	execDate := timestamp
	if err := p.UpdateOrderTree(ctx, o.ID, OrderUpdate{
		Status:        domain.OrderStatusBooked,
		ExecutionDate: &execDate,
	}); err != nil {
		return err
	}
	metrics.OrdersBooked.Inc()
	return nil
}

// bookSubStrategyOrder commits a child strategy's pending AUM change
// into both books. Booking never partially commits: while the child's
// subtree still reports non-executed orders the order is deferred to
// NotExecuted and retried next cycle.
func (p *Portfolio) bookSubStrategyOrder(ctx context.Context, o domain.Order, timestamp time.Time, sub SubStrategy) error {
	if sub.HasNonExecutedOrders(timestamp) {
		p.log.Debug("sub-strategy booking deferred", zap.Int64("portfolio", p.id),
			zap.Int64("strategy", o.InstrumentID), zap.Error(domain.ErrUnresolvedAggregateTarget))
		metrics.OrdersDeferred.Inc()
		if o.Status == domain.OrderStatusNotExecuted {
			return nil
		}
		return p.UpdateOrderTree(ctx, o.ID, OrderUpdate{Status: domain.OrderStatusNotExecuted})
	}

	delta, err := sub.CommitAUMChange(ctx, timestamp)
	if err != nil {
		return err
	}
	notional, _ := delta.Float64()

	indicator := 0.0
	if aum := sub.AUM(timestamp); aum > 0 {
		indicator = 1.0
	}
	if _, err := p.CreatePosition(ctx, o.InstrumentID, timestamp, indicator, notional, CreatePositionOpts{Overwrite: true}); err != nil {
		return err
	}

	if err := p.advanceToExecuted(ctx, &o); err != nil {
		return err
	}
	execDate := timestamp
	if err := p.UpdateOrderTree(ctx, o.ID, OrderUpdate{
		Status:         domain.OrderStatusBooked,
		ExecutionLevel: &notional,
		ExecutionDate:  &execDate,
	}); err != nil {
		return err
	}
	metrics.OrdersBooked.Inc()
	return nil
}

// advanceToExecuted walks an order through the legal transitions up to
// Executed so it can book, re-reading the order between steps.
func (p *Portfolio) advanceToExecuted(ctx context.Context, o *domain.Order) error {
	for o.Status != domain.OrderStatusExecuted {
		var next domain.OrderStatus
		switch o.Status {
		case domain.OrderStatusNew, domain.OrderStatusNotExecuted:
			next = domain.OrderStatusSubmitted
		case domain.OrderStatusSubmitted:
			next = domain.OrderStatusExecuted
		default:
			return nil
		}
		if err := p.UpdateOrderTree(ctx, o.ID, OrderUpdate{Status: next}); err != nil {
			return err
		}
		updated, _ := p.Order(o.ID, false)
		*o = updated
	}
	return nil
}
