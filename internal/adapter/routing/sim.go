// Package routing implements the order-routing collaborators: a
// simulated destination filling at preset levels.
package routing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// SimRouter accepts orders and hands back fills recorded through
// RecordFill. Submission never fills synchronously; the scheduler
// pulls fills in its execution-level phase.
type SimRouter struct {
	mu        sync.Mutex
	submitted map[string]domain.Order
	fills     map[string]domain.Fill
	log       *zap.Logger
}

// NewSimRouter creates an empty simulated router.
func NewSimRouter(log *zap.Logger) *SimRouter {
	if log == nil {
		log = zap.NewNop()
	}
	return &SimRouter{
		submitted: make(map[string]domain.Order),
		fills:     make(map[string]domain.Fill),
		log:       log.Named("routing"),
	}
}

func (r *SimRouter) Submit(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted[order.ID] = order
	r.log.Debug("order submitted", zap.String("order", order.ID),
		zap.Int64("instrument", order.InstrumentID))
	return nil
}

func (r *SimRouter) Fill(_ context.Context, orderID string) (domain.Fill, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fill, ok := r.fills[orderID]
	return fill, ok, nil
}

// RecordFill registers the execution report an order will fill at.
func (r *SimRouter) RecordFill(orderID string, level float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills[orderID] = domain.Fill{Time: at, Level: level}
}

// Submitted reports whether an order reached the destination. Test
// helper.
func (r *SimRouter) Submitted(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.submitted[orderID]
	return ok
}
