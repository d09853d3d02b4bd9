package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/metrics"
)

// CreateOrderOpts carries the optional fields of a new order.
type CreateOrderOpts struct {
	Type        domain.OrderType
	Limit       float64
	Client      string
	Destination string
	Account     string
}

// CreateOrder records a new order for the given unit delta, mirrors it
// into every ancestor's aggregated order table and persists it. A
// zero-unit order is booked immediately as a no-op.
func (p *Portfolio) CreateOrder(ctx context.Context, instrumentID int64, orderDate time.Time, unit float64, opts CreateOrderOpts) (domain.Order, error) {
	if math.IsNaN(unit) || math.IsInf(unit, 0) {
		return domain.Order{}, fmt.Errorf("create order %d/%d: unit %v: %w", p.id, instrumentID, unit, domain.ErrInvalidQuantity)
	}
	if _, ok := p.instrumentMeta(instrumentID); !ok {
		return domain.Order{}, fmt.Errorf("create order: unknown instrument %d", instrumentID)
	}
	if opts.Type == "" {
		opts.Type = domain.OrderTypeMarket
	}

	qUnit := domain.SnapUnit(p.effectiveQuantizer().Quantize(instrumentID, decimal.NewFromFloat(unit)))

	order := domain.Order{
		ID:             domain.NewOrderID(),
		PortfolioID:    p.id,
		InstrumentID:   instrumentID,
		Unit:           qUnit,
		OrderDate:      domain.Day(orderDate),
		Type:           opts.Type,
		Limit:          opts.Limit,
		Status:         domain.OrderStatusNew,
		ExecutionLevel: math.NaN(),
		Client:         opts.Client,
		Destination:    opts.Destination,
		Account:        opts.Account,
	}

	p.mu.Lock()
	p.indexOrderLocked(order)
	store, log := p.store, p.log
	p.mu.Unlock()

	for node := p.Parent(); node != nil; node = node.Parent() {
		node.mirrorOrder(order)
	}

	if store != nil {
		if err := store.SaveNewOrders(ctx, []domain.Order{order}); err != nil {
			log.Warn("persist order failed", zap.String("order", order.ID), zap.Error(err))
		}
	}
	metrics.OrdersCreated.Inc()

	if qUnit.IsZero() {
		if err := p.UpdateOrderTree(ctx, order.ID, OrderUpdate{Status: domain.OrderStatusBooked}); err != nil {
			return domain.Order{}, err
		}
		o, _ := p.Order(order.ID, false)
		return o, nil
	}
	return order, nil
}

// CreateTargetMarketOrder computes the unit delta needed to reach an
// absolute target given the current position and any other open
// same-date order, and records a market order for it. No order is
// created when the quantized delta is zero; the returned order then has
// an empty ID.
func (p *Portfolio) CreateTargetMarketOrder(ctx context.Context, instrumentID int64, orderDate time.Time, targetUnit float64) (domain.Order, error) {
	if math.IsNaN(targetUnit) || math.IsInf(targetUnit, 0) {
		return domain.Order{}, fmt.Errorf("target order %d/%d: unit %v: %w", p.id, instrumentID, targetUnit, domain.ErrInvalidQuantity)
	}

	day := domain.Day(orderDate)
	p.mu.Lock()
	current, _ := p.latestPositionLocked(p.positions, instrumentID, orderDate)
	open := decimal.Zero
	for _, id := range p.ordersByInstrument[instrumentID] {
		o := p.orders[id]
		if o.IsOpen() && o.OrderDate.Equal(day) {
			open = open.Add(o.Unit)
		}
	}
	p.mu.Unlock()

	delta := decimal.NewFromFloat(targetUnit).Sub(current.Unit).Sub(open)
	delta = domain.SnapUnit(p.effectiveQuantizer().Quantize(instrumentID, delta))
	if delta.IsZero() {
		return domain.Order{}, nil
	}
	f, _ := delta.Float64()
	return p.CreateOrder(ctx, instrumentID, orderDate, f, CreateOrderOpts{Type: domain.OrderTypeMarket})
}

// Order returns an order by id from the local or aggregated family.
func (p *Portfolio) Order(id string, aggregated bool) (domain.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if aggregated {
		o, ok := p.aggOrders[id]
		return o, ok
	}
	o, ok := p.orders[id]
	return o, ok
}

// Orders returns the orders dated on the given day.
func (p *Portfolio) Orders(date time.Time, aggregated bool) []domain.Order {
	day := domain.Day(date)
	p.mu.Lock()
	defer p.mu.Unlock()
	byDay, table := p.ordersByDay, p.orders
	if aggregated {
		byDay, table = p.aggOrdersByDay, p.aggOrders
	}
	out := make([]domain.Order, 0, len(byDay[day]))
	for _, id := range byDay[day] {
		out = append(out, table[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NonExecutedOrders returns every order dated at or before the day that
// has not reached Booked. The aggregated family covers the whole
// subtree of this node.
func (p *Portfolio) NonExecutedOrders(date time.Time, aggregated bool) []domain.Order {
	day := domain.Day(date)
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.orders
	if aggregated {
		table = p.aggOrders
	}
	out := make([]domain.Order, 0)
	for _, o := range table {
		if o.Status != domain.OrderStatusBooked && !o.OrderDate.After(day) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasNonExecutedOrders reports whether any order in the subtree dated
// at or before the day still awaits booking.
func (p *Portfolio) HasNonExecutedOrders(date time.Time) bool {
	return len(p.NonExecutedOrders(date, true)) > 0
}

// OrderUpdate describes a transition applied through UpdateOrderTree.
// Nil pointer fields are left untouched.
type OrderUpdate struct {
	Status         domain.OrderStatus
	Unit           *decimal.Decimal
	Limit          *float64
	ExecutionLevel *float64
	ExecutionDate  *time.Time
	Client         *string
	Destination    *string
	Account        *string
}

// UpdateOrderTree applies a transition to a local order and keeps the
// whole tree consistent: the aggregated mirror in this node and every
// ancestor receives identical field updates, a non-Booked status also
// propagates downward to child orders on the same instrument and
// order date, and Booked transitions notify the order recorders.
func (p *Portfolio) UpdateOrderTree(ctx context.Context, orderID string, upd OrderUpdate) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("portfolio %d: unknown order %s", p.id, orderID)
	}
	if upd.Status != "" && upd.Status != o.Status {
		if !domain.CanTransition(o.Status, upd.Status) {
			p.mu.Unlock()
			return fmt.Errorf("portfolio %d: order %s: invalid transition %s -> %s",
				p.id, orderID, o.Status, upd.Status)
		}
		o.Status = upd.Status
	}
	if upd.Unit != nil {
		o.Unit = *upd.Unit
	}
	if upd.Limit != nil {
		o.Limit = *upd.Limit
	}
	if upd.ExecutionLevel != nil {
		o.ExecutionLevel = *upd.ExecutionLevel
	}
	if upd.ExecutionDate != nil {
		o.ExecutionDate = *upd.ExecutionDate
	}
	if upd.Client != nil {
		o.Client = *upd.Client
	}
	if upd.Destination != nil {
		o.Destination = *upd.Destination
	}
	if upd.Account != nil {
		o.Account = *upd.Account
	}
	p.orders[orderID] = o
	agg := o
	agg.Aggregated = true
	p.aggOrders[orderID] = agg

	store, log := p.store, p.log
	recorders := append([]domain.OrderRecorder(nil), p.recorders...)
	subs := make([]SubStrategy, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for node := p.Parent(); node != nil; node = node.Parent() {
		node.mirrorOrder(o)
	}

	if store != nil {
		if err := store.UpdateOrder(ctx, o); err != nil {
			log.Warn("persist order update failed", zap.String("order", o.ID), zap.Error(err))
		}
	}

	switch {
	case upd.Status == domain.OrderStatusBooked:
		for _, r := range recorders {
			r.OrderBooked(o)
		}
	case upd.Status != "":
		// A parent's instruction against a sub-book must also be
		// reflected below.
		p.propagateStatusDown(ctx, subs, o, upd)
	}
	return nil
}

// propagateStatusDown forwards a non-Booked status change to child
// orders on the same instrument and order date.
func (p *Portfolio) propagateStatusDown(ctx context.Context, subs []SubStrategy, o domain.Order, upd OrderUpdate) {
	child := OrderUpdate{
		Status:         upd.Status,
		ExecutionLevel: upd.ExecutionLevel,
		ExecutionDate:  upd.ExecutionDate,
		Client:         upd.Client,
		Destination:    upd.Destination,
		Account:        upd.Account,
	}
	for _, sub := range subs {
		book := sub.Book()
		if book == nil {
			continue
		}
		for _, co := range book.Orders(o.OrderDate, false) {
			if co.InstrumentID != o.InstrumentID || !co.IsOpen() {
				continue
			}
			if !domain.CanTransition(co.Status, upd.Status) {
				continue
			}
			if err := book.UpdateOrderTree(ctx, co.ID, child); err != nil {
				p.log.Warn("downward order propagation failed",
					zap.String("order", co.ID), zap.Error(err))
			}
		}
	}
}

// DropNewOrders removes every still-New local order dated on the day,
// together with its aggregated mirrors. Used when a node's cycle is
// re-run after a late-resolving child.
func (p *Portfolio) DropNewOrders(ctx context.Context, date time.Time) int {
	day := domain.Day(date)
	p.mu.Lock()
	dropped := make([]string, 0)
	for _, id := range p.ordersByDay[day] {
		if o, ok := p.orders[id]; ok && o.Status == domain.OrderStatusNew {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		p.removeOrderLocked(id)
	}
	p.mu.Unlock()

	for _, id := range dropped {
		for node := p.Parent(); node != nil; node = node.Parent() {
			node.removeAggregatedOrder(id)
		}
	}
	return len(dropped)
}

// indexOrderLocked stores a local order and its own aggregated mirror.
// Requires p.mu held.
func (p *Portfolio) indexOrderLocked(o domain.Order) {
	p.orders[o.ID] = o
	p.ordersByDay[o.OrderDate] = append(p.ordersByDay[o.OrderDate], o.ID)
	p.ordersByInstrument[o.InstrumentID] = append(p.ordersByInstrument[o.InstrumentID], o.ID)

	agg := o
	agg.Aggregated = true
	p.aggOrders[o.ID] = agg
	p.aggOrdersByDay[o.OrderDate] = append(p.aggOrdersByDay[o.OrderDate], o.ID)
}

// mirrorOrder upserts an ancestor's aggregated copy of a descendant
// order with identical fields.
func (p *Portfolio) mirrorOrder(o domain.Order) {
	agg := o
	agg.Aggregated = true
	p.mu.Lock()
	if _, known := p.aggOrders[o.ID]; !known {
		p.aggOrdersByDay[o.OrderDate] = append(p.aggOrdersByDay[o.OrderDate], o.ID)
	}
	p.aggOrders[o.ID] = agg
	p.mu.Unlock()
}

// removeAggregatedOrder drops an aggregated mirror by id.
func (p *Portfolio) removeAggregatedOrder(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.aggOrders[id]
	if !ok {
		return
	}
	delete(p.aggOrders, id)
	p.aggOrdersByDay[o.OrderDate] = removeID(p.aggOrdersByDay[o.OrderDate], id)
}

// removeOrderLocked drops a local order and its own mirror. Requires
// p.mu held.
func (p *Portfolio) removeOrderLocked(id string) {
	o, ok := p.orders[id]
	if !ok {
		return
	}
	delete(p.orders, id)
	delete(p.aggOrders, id)
	p.ordersByDay[o.OrderDate] = removeID(p.ordersByDay[o.OrderDate], id)
	p.aggOrdersByDay[o.OrderDate] = removeID(p.aggOrdersByDay[o.OrderDate], id)
	p.ordersByInstrument[o.InstrumentID] = removeID(p.ordersByInstrument[o.InstrumentID], id)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
