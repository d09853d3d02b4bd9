// Package scheduler drives the daily trading cycle across the whole
// strategy tree: order generation, submission, execution-level
// capture, corporate actions, booking, margining, FX hedging, NAV and
// runtime add/remove of sub-strategies. Each phase is a full barrier;
// within the logic phases independent siblings fan out in parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/metrics"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/account"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/ledger"
)

// DefaultParallelism bounds the per-phase sibling fan-out.
const DefaultParallelism = 8

// Config wires a Scheduler.
type Config struct {
	Root     *account.Strategy
	Router   domain.Router // nil selects the simulated path
	Prices   domain.PriceProvider
	Calendar domain.Calendar

	// Parallelism caps concurrent sibling sub-cycles per phase.
	Parallelism int

	Logger *zap.Logger
}

// Scheduler runs one trading-day cycle over the tree per Process call.
type Scheduler struct {
	root     *account.Strategy
	router   domain.Router
	prices   domain.PriceProvider
	calendar domain.Calendar
	limit    int
	log      *zap.Logger
}

// New creates a Scheduler for a strategy tree.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Root == nil {
		return nil, errors.New("scheduler root cannot be nil")
	}
	limit := cfg.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		root:     cfg.Root,
		router:   cfg.Router,
		prices:   cfg.Prices,
		calendar: cfg.Calendar,
		limit:    limit,
		log:      log.Named("scheduler"),
	}, nil
}

// Run processes every business day in [from, to] in order.
func (s *Scheduler) Run(ctx context.Context, from, to time.Time) error {
	for day := domain.Day(from); !day.After(domain.Day(to)); day = day.AddDate(0, 0, 1) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.Process(ctx, day); err != nil {
			return fmt.Errorf("cycle %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

// Process runs one full cycle for the date. Non-business days are
// skipped.
func (s *Scheduler) Process(ctx context.Context, date time.Time) error {
	day := domain.Day(date)
	if s.calendar != nil && !s.calendar.IsBusinessDay(day) {
		return nil
	}
	s.log.Info("cycle start", zap.Time("date", day))

	phases := []struct {
		name string
		run  func(context.Context, *account.Strategy, time.Time) error
	}{
		{"execute_logic", s.executeLogic},
		{"post_execute_logic", s.postExecuteLogic},
		{"submit_orders", s.submitOrders},
		{"pre_nav", s.preNAV},
		{"receive_execution_levels", s.receiveExecutionLevels},
		{"corporate_actions", s.corporateActions},
		{"book_orders", s.bookOrders},
		{"margin_futures", s.marginFutures},
		{"hedge_fx", s.hedgeFX},
		{"nav", s.nav},
		{"add_remove", s.addRemove},
	}
	for _, phase := range phases {
		start := time.Now()
		err := phase.run(ctx, s.root, day)
		metrics.CycleDuration.WithLabelValues(phase.name).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("phase %s: %w", phase.name, err)
		}
	}

	metrics.ActiveStrategies.Set(float64(countActive(s.root, day)))
	s.log.Info("cycle done", zap.Time("date", day))
	return nil
}

// executeLogic runs child cycles in parallel, then the node's own
// trading logic. Children whose next AUM was unknown before the pass
// are re-checked afterwards; if any resolved late, the node's pending
// state for the date is cleared and its logic re-runs exactly once.
func (s *Scheduler) executeLogic(ctx context.Context, node *account.Strategy, date time.Time) error {
	if !node.InWindow(date) {
		return nil
	}
	children := node.Children()
	unresolved := make([]*account.Strategy, 0)
	for _, child := range children {
		if math.IsNaN(child.NextAUM(date)) {
			unresolved = append(unresolved, child)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, child := range children {
		child := child
		g.Go(func() error { return s.executeLogic(gctx, child, date) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ec := node.NewExecutionContext(ctx, date)
	if err := node.Logic().Execute(ctx, node, ec); err != nil {
		return fmt.Errorf("strategy %d: %w", node.InstrumentID(), err)
	}

	for _, child := range unresolved {
		if math.IsNaN(child.NextAUM(date)) {
			continue
		}
		// A dependency resolved after the first pass: one bounded
		// recalculation, never a loop.
		s.log.Debug("child aum resolved late, re-running logic",
			zap.Int64("strategy", node.InstrumentID()),
			zap.Int64("child", child.InstrumentID()))
		node.ClearCycle(ctx, date)
		ec = node.NewExecutionContext(ctx, date)
		if err := node.Logic().Execute(ctx, node, ec); err != nil {
			return fmt.Errorf("strategy %d retry: %w", node.InstrumentID(), err)
		}
		break
	}
	return nil
}

func (s *Scheduler) postExecuteLogic(ctx context.Context, node *account.Strategy, date time.Time) error {
	if !node.InWindow(date) {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, child := range node.Children() {
		child := child
		g.Go(func() error { return s.postExecuteLogic(gctx, child, date) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return node.Logic().PostExecute(ctx, node, node.NewExecutionContext(ctx, date))
}

// submitOrders hands the backlog of New orders to the router and moves
// them to Submitted. On the simulated path no external call is made.
func (s *Scheduler) submitOrders(ctx context.Context, node *account.Strategy, date time.Time) error {
	for _, child := range node.Children() {
		if err := s.submitOrders(ctx, child, date); err != nil {
			return err
		}
	}
	book := node.Book()
	if book == nil {
		return nil
	}
	for _, o := range book.NonExecutedOrders(date, false) {
		if o.Status != domain.OrderStatusNew {
			continue
		}
		if s.router != nil {
			if err := s.router.Submit(ctx, o); err != nil {
				s.log.Warn("order submission failed", zap.String("order", o.ID), zap.Error(err))
				continue
			}
		}
		if err := book.UpdateOrderTree(ctx, o.ID, ledgerStatus(domain.OrderStatusSubmitted)); err != nil {
			s.log.Warn("order submit transition failed", zap.String("order", o.ID), zap.Error(err))
		}
	}
	return nil
}

// preNAV computes NAV for nodes without their own ledger, children
// first, so synthetic index dependencies resolve before the
// ledger-backed NAV pass.
func (s *Scheduler) preNAV(ctx context.Context, node *account.Strategy, date time.Time) error {
	for _, child := range node.Children() {
		if err := s.preNAV(ctx, child, date); err != nil {
			return err
		}
	}
	return node.PreNAVCalculation(ctx, date)
}

// receiveExecutionLevels pulls fills into Submitted orders: from the
// router when wired, otherwise the day's mid price. Failures are
// isolated per order.
func (s *Scheduler) receiveExecutionLevels(ctx context.Context, node *account.Strategy, date time.Time) error {
	for _, child := range node.Children() {
		if err := s.receiveExecutionLevels(ctx, child, date); err != nil {
			return err
		}
	}
	book := node.Book()
	if book == nil {
		return nil
	}
	for _, o := range book.NonExecutedOrders(date, false) {
		if o.Status != domain.OrderStatusSubmitted || o.HasExecutionLevel() {
			continue
		}
		if meta, ok := book.Instrument(o.InstrumentID); ok && meta.IsStrategy() {
			// Marker orders book through the child's AUM commit, not a
			// market level.
			continue
		}

		level := math.NaN()
		execDate := date
		if s.router != nil {
			fill, ok, err := s.router.Fill(ctx, o.ID)
			if err != nil {
				s.log.Warn("fill retrieval failed", zap.String("order", o.ID), zap.Error(err))
				continue
			}
			if ok {
				level, execDate = fill.Level, fill.Time
			}
		} else if s.prices != nil {
			level = s.prices.Value(ctx, o.InstrumentID, date, domain.SeriesMid, domain.RollLastKnown)
		}
		if math.IsNaN(level) {
			continue
		}

		upd := ledger.OrderUpdate{ExecutionLevel: &level, ExecutionDate: &execDate}
		if err := book.UpdateOrderTree(ctx, o.ID, upd); err != nil {
			s.log.Warn("execution level update failed", zap.String("order", o.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) corporateActions(ctx context.Context, node *account.Strategy, date time.Time) error {
	return s.walkBooks(ctx, node, date, func(b *ledger.Portfolio) error {
		b.ManageCorporateActions(ctx, date)
		return nil
	})
}

func (s *Scheduler) bookOrders(ctx context.Context, node *account.Strategy, date time.Time) error {
	return s.walkBooks(ctx, node, date, func(b *ledger.Portfolio) error {
		b.ReBookOrders(ctx, date)
		return nil
	})
}

func (s *Scheduler) marginFutures(ctx context.Context, node *account.Strategy, date time.Time) error {
	return s.walkBooks(ctx, node, date, func(b *ledger.Portfolio) error {
		b.MarginFutures(ctx, date)
		return nil
	})
}

func (s *Scheduler) hedgeFX(ctx context.Context, node *account.Strategy, date time.Time) error {
	return s.walkBooks(ctx, node, date, func(b *ledger.Portfolio) error {
		b.HedgeFX(ctx, date)
		return nil
	})
}

func (s *Scheduler) nav(ctx context.Context, node *account.Strategy, date time.Time) error {
	for _, child := range node.Children() {
		if err := s.nav(ctx, child, date); err != nil {
			return err
		}
	}
	return node.NAVCalculation(ctx, date)
}

func (s *Scheduler) addRemove(ctx context.Context, node *account.Strategy, date time.Time) error {
	for _, child := range node.Children() {
		if err := s.addRemove(ctx, child, date); err != nil {
			return err
		}
	}
	return node.AddRemoveSubStrategies(ctx, date)
}

// walkBooks applies fn to every ledger in the subtree, children before
// parent. Aggregation rolls upward inside the ledger, so the walk
// stays sequential to keep ancestor tables settled per node.
func (s *Scheduler) walkBooks(ctx context.Context, node *account.Strategy, date time.Time, fn func(*ledger.Portfolio) error) error {
	for _, child := range node.Children() {
		if err := s.walkBooks(ctx, child, date, fn); err != nil {
			return err
		}
	}
	if book := node.Book(); book != nil {
		return fn(book)
	}
	return nil
}

func countActive(node *account.Strategy, date time.Time) int {
	n := 0
	if node.InWindow(date) {
		n = 1
	}
	for _, child := range node.Children() {
		n += countActive(child, date)
	}
	return n
}

// ledgerStatus builds a status-only order update.
func ledgerStatus(status domain.OrderStatus) ledger.OrderUpdate {
	return ledger.OrderUpdate{Status: status}
}
