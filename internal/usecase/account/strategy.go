// Package account implements AUM/NAV accounting for one strategy node:
// the strategy tree, the pending-change accumulator feeding order
// generation, NAV index computation and runtime add/remove of
// sub-strategies.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/ledger"
)

// Config wires a Strategy node.
type Config struct {
	Instrument *domain.Instrument
	Book       *ledger.Portfolio // nil for pure alpha signals held in parent books
	Logic      Logic

	// The node trades within [InitialDate, FinalDate). A zero
	// FinalDate leaves the window open-ended.
	InitialDate time.Time
	FinalDate   time.Time

	Prices   domain.PriceProvider
	Calendar domain.Calendar
	Logger   *zap.Logger
}

// Strategy is one node of the strategy tree. It wraps an instrument,
// optionally owns a ledger, and keeps AUM, pending AUM change and NAV
// as indexed series.
type Strategy struct {
	mu sync.RWMutex

	instrument *domain.Instrument
	book       *ledger.Portfolio
	parent     *Strategy
	children   map[int64]*Strategy
	childOrder []int64

	aum       *domain.Series
	aumChange *domain.Series
	nav       *domain.Series
	universe  *universe

	logic       Logic
	initialDate time.Time
	finalDate   time.Time
	initialized bool

	prices   domain.PriceProvider
	calendar domain.Calendar
	log      *zap.Logger
}

// NewStrategy creates a strategy node.
func NewStrategy(cfg Config) (*Strategy, error) {
	if cfg.Instrument == nil {
		return nil, errors.New("strategy instrument cannot be nil")
	}
	if err := cfg.Instrument.Validate(); err != nil {
		return nil, fmt.Errorf("strategy instrument: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	logic := cfg.Logic
	if logic == nil {
		logic = NoopLogic{}
	}
	return &Strategy{
		instrument:  cfg.Instrument,
		book:        cfg.Book,
		children:    make(map[int64]*Strategy),
		aum:         domain.NewSeries(),
		aumChange:   domain.NewSeries(),
		nav:         domain.NewSeries(),
		universe:    newUniverse(),
		logic:       logic,
		initialDate: cfg.InitialDate,
		finalDate:   cfg.FinalDate,
		prices:      cfg.Prices,
		calendar:    cfg.Calendar,
		log:         log.Named("account"),
	}, nil
}

// InstrumentID identifies the node's strategy instrument.
func (s *Strategy) InstrumentID() int64 { return s.instrument.ID }

// Currency is the node's base currency.
func (s *Strategy) Currency() string { return s.instrument.Currency }

// Instrument returns the wrapped instrument.
func (s *Strategy) Instrument() *domain.Instrument { return s.instrument }

// Book returns the node's own ledger, or nil.
func (s *Strategy) Book() *ledger.Portfolio { return s.book }

// Logic returns the node's trading-logic callback.
func (s *Strategy) Logic() Logic { return s.logic }

// Parent returns the parent node, or nil at the root.
func (s *Strategy) Parent() *Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parent
}

// Children returns the child nodes in attachment order.
func (s *Strategy) Children() []*Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Strategy, 0, len(s.childOrder))
	for _, id := range s.childOrder {
		out = append(out, s.children[id])
	}
	return out
}

// NAV returns the strategy's NAV index at the floor date.
func (s *Strategy) NAV(date time.Time) (float64, bool) {
	pt, ok := s.nav.Latest(date)
	if !ok {
		return 0, false
	}
	f, _ := pt.Value.Float64()
	return f, true
}

// Initialize attaches the node's reserves and already-known universe
// members as tree children. A second call is a no-op.
func (s *Strategy) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	if s.book != nil {
		for _, child := range s.Children() {
			s.book.AttachSub(child)
			if cb := child.Book(); cb != nil {
				if err := cb.SetParent(s.book); err != nil {
					return err
				}
			}
		}
	}
	s.log.Debug("strategy initialized", zap.Int64("strategy", s.instrument.ID))
	return nil
}

// AddSubStrategy attaches a child node. Attachments that would create
// a cycle are rejected.
func (s *Strategy) AddSubStrategy(child *Strategy) error {
	if child == s || child.contains(s) {
		return fmt.Errorf("attach %d under %d: %w",
			child.InstrumentID(), s.InstrumentID(), domain.ErrStructuralCycle)
	}

	s.mu.Lock()
	if _, exists := s.children[child.InstrumentID()]; exists {
		s.mu.Unlock()
		return nil
	}
	s.children[child.InstrumentID()] = child
	s.childOrder = append(s.childOrder, child.InstrumentID())
	s.mu.Unlock()

	child.mu.Lock()
	child.parent = s
	child.mu.Unlock()

	if s.book != nil {
		s.book.RegisterInstrument(child.instrument)
		s.book.AttachSub(child)
		if cb := child.Book(); cb != nil {
			if err := cb.SetParent(s.book); err != nil {
				return err
			}
		}
	}
	return nil
}

// contains reports whether the node's subtree includes other.
func (s *Strategy) contains(other *Strategy) bool {
	if s == other {
		return true
	}
	for _, child := range s.Children() {
		if child.contains(other) {
			return true
		}
	}
	return false
}

// InWindow reports whether the date falls within the node's trading
// window [InitialDate, FinalDate).
func (s *Strategy) InWindow(date time.Time) bool {
	day := domain.Day(date)
	if !s.initialDate.IsZero() && day.Before(domain.Day(s.initialDate)) {
		return false
	}
	if !s.finalDate.IsZero() && !day.Before(domain.Day(s.finalDate)) {
		return false
	}
	return true
}

// HasNonExecutedOrders reports whether the node's subtree still has
// orders awaiting booking at or before the date.
func (s *Strategy) HasNonExecutedOrders(date time.Time) bool {
	if s.book == nil {
		return false
	}
	return s.book.HasNonExecutedOrders(date)
}

// AddInstrument appends an instrument to the node's tradable universe
// effective from the given date. Insertion order is priority order.
func (s *Strategy) AddInstrument(date time.Time, inst *domain.Instrument) {
	if s.book != nil {
		s.book.RegisterInstrument(inst)
	}
	s.universe.add(date, inst.ID)
}

// RemoveInstrument drops an instrument from the universe effective from
// the given date.
func (s *Strategy) RemoveInstrument(date time.Time, instrumentID int64) {
	s.universe.remove(date, instrumentID)
}

// Universe returns the tradable instrument IDs effective at the date,
// in priority order.
func (s *Strategy) Universe(date time.Time) []int64 {
	return s.universe.at(date)
}
