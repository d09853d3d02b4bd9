package account

import (
	"context"
	"math"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// Logic is the pluggable trading-logic callback of a strategy node.
// Execute runs during order generation with the cycle's execution
// context; PostExecute runs after every node's Execute completed.
type Logic interface {
	Execute(ctx context.Context, s *Strategy, ec *ExecutionContext) error
	PostExecute(ctx context.Context, s *Strategy, ec *ExecutionContext) error
}

// NoopLogic holds whatever the book already holds.
type NoopLogic struct{}

func (NoopLogic) Execute(context.Context, *Strategy, *ExecutionContext) error {
	return nil
}

func (NoopLogic) PostExecute(context.Context, *Strategy, *ExecutionContext) error {
	return nil
}

// ConstantWeightLogic targets fixed notional weights per instrument.
// Universe members without an entry in Weights get weight zero.
// Sub-strategy members receive their slice as an AUM change order,
// plain instruments as a target market order at the mid price.
type ConstantWeightLogic struct {
	Weights map[int64]float64
}

func (l ConstantWeightLogic) Execute(ctx context.Context, s *Strategy, ec *ExecutionContext) error {
	if math.IsNaN(ec.AUM) || s.Book() == nil {
		return nil
	}
	book := s.Book()
	for _, id := range ec.Universe {
		weight := l.Weights[id]
		target := ec.AUM * weight

		if child, ok := s.childByID(id); ok {
			current := child.NextAUM(ec.Date)
			if math.IsNaN(current) {
				current = 0
			}
			if target == current {
				continue
			}
			if err := child.OrderAUMChange(ctx, ec.Date, target-current); err != nil {
				return err
			}
			book.EnsureSubStrategyOrder(ctx, id, ec.Date)
			continue
		}

		level := book.SeriesValue(ctx, id, ec.Date, domain.SeriesMid)
		if math.IsNaN(level) || level == 0 {
			continue
		}
		if _, err := book.CreateTargetMarketOrder(ctx, id, ec.Date, target/level); err != nil {
			return err
		}
	}
	return nil
}

func (l ConstantWeightLogic) PostExecute(context.Context, *Strategy, *ExecutionContext) error {
	return nil
}

// childByID returns the attached child with the given instrument ID.
func (s *Strategy) childByID(id int64) (*Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	child, ok := s.children[id]
	return child, ok
}
