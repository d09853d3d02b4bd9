package account

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/usecase/ledger"
)

// AddRemoveSubStrategies reconciles the book against each child's
// trading window. A child inside its window with a positive next AUM
// and no live position yet gets the marker order its first funding
// books against; a child whose window closed is flattened, its value
// swept back, and detached. This is the only place tree edges change
// at runtime.
func (s *Strategy) AddRemoveSubStrategies(ctx context.Context, date time.Time) error {
	if s.book == nil {
		return nil
	}
	for _, child := range s.Children() {
		_, live := s.book.FindLatestPosition(child.InstrumentID(), date, false)

		switch {
		case child.InWindow(date) && !live:
			next := child.NextAUM(date)
			if math.IsNaN(next) || next <= 0 {
				continue
			}
			s.book.EnsureSubStrategyOrder(ctx, child.InstrumentID(), date)
			s.log.Info("sub-strategy joining",
				zap.Int64("parent", s.InstrumentID()),
				zap.Int64("strategy", child.InstrumentID()),
				zap.Float64("aum", next))

		case !child.InWindow(date) && live:
			if err := s.RemoveSubStrategy(ctx, date, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveSubStrategy winds a child down: its book is flattened, the
// residual reserve swept into this node's book, the holding and its
// strike zeroed, and the tree edge dropped.
func (s *Strategy) RemoveSubStrategy(ctx context.Context, date time.Time, child *Strategy) error {
	child.ClearCycle(ctx, date)

	if cb := child.Book(); cb != nil {
		if err := cb.Flatten(ctx, date); err != nil {
			return err
		}
		cb.HedgeFX(ctx, date)
		if err := child.sweepReserveToParent(ctx, date); err != nil {
			return err
		}
	}
	if err := child.UpdateAUM(ctx, date, 0, false); err != nil {
		return err
	}

	pos, live := s.book.FindLatestPosition(child.InstrumentID(), date, false)
	if live {
		strike, _ := pos.Strike.Neg().Float64()
		if _, err := s.book.CreatePosition(ctx, child.InstrumentID(), date, 0, strike,
			ledger.CreatePositionOpts{Overwrite: true, SuppressReserve: true}); err != nil {
			return err
		}
	}

	s.detach(child)
	s.log.Info("sub-strategy removed",
		zap.Int64("parent", s.InstrumentID()),
		zap.Int64("strategy", child.InstrumentID()))
	return nil
}

// detach drops the tree edge to a child.
func (s *Strategy) detach(child *Strategy) {
	id := child.InstrumentID()

	s.mu.Lock()
	delete(s.children, id)
	for i, cid := range s.childOrder {
		if cid == id {
			s.childOrder = append(s.childOrder[:i], s.childOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	child.mu.Lock()
	child.parent = nil
	child.mu.Unlock()

	if s.book != nil {
		s.book.DetachSub(id)
	}
}
