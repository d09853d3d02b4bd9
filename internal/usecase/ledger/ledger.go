// Package ledger implements the authoritative per-node book of a
// strategy tree: positions, orders, reserve self-financing and the
// roll-up of both families to every ancestor.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/quantize"
)

// SubStrategy is the view the ledger needs of a child strategy account.
// The concrete type lives in the account package; the ledger never
// reaches into a child's AUM bookkeeping directly.
type SubStrategy interface {
	// InstrumentID identifies the strategy instrument held in the
	// parent book.
	InstrumentID() int64

	// Currency is the strategy's base currency.
	Currency() string

	// Book returns the child's own ledger, or nil when the node keeps
	// no ledger of its own.
	Book() *Portfolio

	// AUM returns the committed assets under management at the date,
	// or NaN when none is known.
	AUM(date time.Time) float64

	// PendingAUMChange returns the intended, not yet committed AUM
	// change carried at or before the date.
	PendingAUMChange(date time.Time) float64

	// OrderAUMChange records an intended AUM change on the child and
	// generates the child's proportional orders for it.
	OrderAUMChange(ctx context.Context, date time.Time, delta float64) error

	// CommitAUMChange commits the pending change, including one carried
	// forward from an earlier cycle, into the child's AUM and reserve,
	// returning the committed delta.
	CommitAUMChange(ctx context.Context, date time.Time) (decimal.Decimal, error)

	// HasNonExecutedOrders reports whether any order in the child's
	// subtree dated at or before the given day still awaits booking.
	HasNonExecutedOrders(date time.Time) bool
}

// reservePair holds the cash instruments absorbing positive and
// negative notional for one currency.
type reservePair struct {
	long  *domain.Instrument
	short *domain.Instrument
}

// Config wires a Portfolio to its collaborators. Store, Router,
// Actions and Quantizer are optional.
type Config struct {
	ID       int64
	Currency string

	Prices   domain.PriceProvider
	Calendar domain.Calendar
	Store    domain.StorageBackend
	Actions  domain.ActionSource

	Quantizer quantize.Filter
	Logger    *zap.Logger
}

// Portfolio is the ledger for one strategy node. It forms a strict
// tree through parent; all mutation of a node's tables is serialized by
// its mutex, and cross-node propagation never holds two node locks at
// once.
type Portfolio struct {
	mu sync.Mutex

	id       int64
	currency string
	parent   *Portfolio
	subs     map[int64]SubStrategy // by strategy instrument ID

	instruments map[int64]*domain.Instrument
	reserves    map[string]reservePair

	positions  map[int64][]domain.Position // local, ascending by timestamp
	aggregated map[int64][]domain.Position

	orders             map[string]domain.Order
	aggOrders          map[string]domain.Order
	ordersByDay        map[time.Time][]string
	aggOrdersByDay     map[time.Time][]string
	ordersByInstrument map[int64][]string

	firstTimestamp time.Time
	lastTimestamp  time.Time

	processedActions map[string]struct{}
	carryRealized    map[string]struct{}
	carryThrough     map[int64]time.Time

	quantizer quantize.Filter
	prices    domain.PriceProvider
	calendar  domain.Calendar
	store     domain.StorageBackend
	actions   domain.ActionSource
	recorders []domain.OrderRecorder

	log *zap.Logger
}

// NewPortfolio creates an empty ledger for one strategy node.
func NewPortfolio(cfg Config) (*Portfolio, error) {
	if cfg.ID == 0 {
		return nil, errors.New("portfolio ID cannot be zero")
	}
	if cfg.Currency == "" {
		return nil, errors.New("portfolio currency cannot be empty")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Portfolio{
		id:                 cfg.ID,
		currency:           cfg.Currency,
		subs:               make(map[int64]SubStrategy),
		instruments:        make(map[int64]*domain.Instrument),
		reserves:           make(map[string]reservePair),
		positions:          make(map[int64][]domain.Position),
		aggregated:         make(map[int64][]domain.Position),
		orders:             make(map[string]domain.Order),
		aggOrders:          make(map[string]domain.Order),
		ordersByDay:        make(map[time.Time][]string),
		aggOrdersByDay:     make(map[time.Time][]string),
		ordersByInstrument: make(map[int64][]string),
		processedActions:   make(map[string]struct{}),
		carryRealized:      make(map[string]struct{}),
		carryThrough:       make(map[int64]time.Time),
		quantizer:          cfg.Quantizer,
		prices:             cfg.Prices,
		calendar:           cfg.Calendar,
		store:              cfg.Store,
		actions:            cfg.Actions,
		log:                log.Named("ledger"),
	}, nil
}

// ID returns the portfolio identity (its strategy instrument ID).
func (p *Portfolio) ID() int64 { return p.id }

// Currency returns the book's base currency.
func (p *Portfolio) Currency() string { return p.currency }

// Parent returns the parent ledger, or nil at the root.
func (p *Portfolio) Parent() *Portfolio {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// SetParent attaches this book under a parent ledger. Attaching a book
// that is already an ancestor of the parent is rejected.
func (p *Portfolio) SetParent(parent *Portfolio) error {
	for node := parent; node != nil; node = node.Parent() {
		if node == p {
			return fmt.Errorf("attach %d under %d: %w", p.id, parent.id, domain.ErrStructuralCycle)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parent = parent
	return nil
}

// AttachSub registers a child strategy account under this book.
func (p *Portfolio) AttachSub(sub SubStrategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.InstrumentID()] = sub
}

// DetachSub removes a child strategy account registration.
func (p *Portfolio) DetachSub(instrumentID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, instrumentID)
}

// Sub returns the registered child account for a strategy instrument.
func (p *Portfolio) Sub(instrumentID int64) (SubStrategy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[instrumentID]
	return s, ok
}

// RegisterInstrument makes an instrument's metadata visible to the
// book. Instruments are owned by the storage backend; the ledger only
// reads them.
func (p *Portfolio) RegisterInstrument(inst *domain.Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments[inst.ID] = inst
}

// Instrument returns registered instrument metadata.
func (p *Portfolio) Instrument(id int64) (*domain.Instrument, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instruments[id]
	return inst, ok
}

// SetReserves designates the cash instruments absorbing positive and
// negative notional for a currency.
func (p *Portfolio) SetReserves(currency string, long, short *domain.Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments[long.ID] = long
	p.instruments[short.ID] = short
	p.reserves[currency] = reservePair{long: long, short: short}
}

// AddOrderRecorder appends an output channel notified after each
// booked order.
func (p *Portfolio) AddOrderRecorder(r domain.OrderRecorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorders = append(p.recorders, r)
}

// SetQuantizer sets this node's order-unit quantization filter.
func (p *Portfolio) SetQuantizer(f quantize.Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quantizer = f
}

// LastTimestamp returns the monotonic write watermark.
func (p *Portfolio) LastTimestamp() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTimestamp
}

// FirstTimestamp returns the earliest booked timestamp.
func (p *Portfolio) FirstTimestamp() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstTimestamp
}

// effectiveQuantizer resolves the node's filter, inheriting from the
// tree root when unset locally.
func (p *Portfolio) effectiveQuantizer() quantize.Filter {
	node := p
	for node != nil {
		node.mu.Lock()
		f, parent := node.quantizer, node.parent
		node.mu.Unlock()
		if f != nil {
			return f
		}
		node = parent
	}
	return quantize.Identity{}
}

// instrumentMeta returns metadata, walking up the tree when the local
// registry does not know the instrument.
func (p *Portfolio) instrumentMeta(id int64) (*domain.Instrument, bool) {
	node := p
	for node != nil {
		node.mu.Lock()
		inst, ok := node.instruments[id]
		parent := node.parent
		node.mu.Unlock()
		if ok {
			return inst, true
		}
		node = parent
	}
	return nil, false
}

// SeriesValue reads an instrument's market level through the node's
// price provider, rolling to the last known observation.
func (p *Portfolio) SeriesValue(ctx context.Context, instrumentID int64, date time.Time, series domain.SeriesType) float64 {
	if p.prices == nil {
		return math.NaN()
	}
	return p.prices.Value(ctx, instrumentID, date, series, domain.RollLastKnown)
}

// Value prices the whole book at the given date: positions at the
// requested market series, cash at face, strategy holdings at the
// child's AUM. NaN market data propagates NaN.
func (p *Portfolio) Value(ctx context.Context, date time.Time, series domain.SeriesType) float64 {
	positions := p.Positions(date, false)
	p.mu.Lock()
	subs := make(map[int64]SubStrategy, len(p.subs))
	for id, s := range p.subs {
		subs[id] = s
	}
	p.mu.Unlock()

	total := 0.0
	for _, pos := range positions {
		inst, ok := p.instrumentMeta(pos.InstrumentID)
		if !ok {
			continue
		}
		switch {
		case inst.IsCash():
			unit, _ := pos.Unit.Float64()
			total += unit
		case inst.IsStrategy():
			if sub, ok := subs[pos.InstrumentID]; ok {
				unit, _ := pos.Unit.Float64()
				total += unit * sub.AUM(date)
			}
		default:
			level := p.prices.Value(ctx, pos.InstrumentID, date, series, domain.RollLastKnown)
			total += pos.Value(inst, level)
		}
	}
	return total
}
