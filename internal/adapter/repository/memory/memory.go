// Package memory provides an in-process StorageBackend used by
// simulations and tests. Data lives for the lifetime of the process.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// Store is an in-memory implementation of domain.StorageBackend.
type Store struct {
	mu         sync.RWMutex
	positions  map[int64][]domain.Position // keyed by portfolio
	orders     map[string]domain.Order
	properties map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		positions:  make(map[int64][]domain.Position),
		orders:     make(map[string]domain.Order),
		properties: make(map[string]string),
	}
}

func (s *Store) LoadPositions(_ context.Context, portfolioID int64, date time.Time) ([]domain.Position, error) {
	day := domain.Day(date)
	next := day.AddDate(0, 0, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions[portfolioID] {
		if !p.Timestamp.Before(day) && p.Timestamp.Before(next) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) LoadOrders(_ context.Context, portfolioID int64, date time.Time) ([]domain.Order, error) {
	day := domain.Day(date)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.PortfolioID == portfolioID && o.OrderDate.Equal(day) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveNewPositions(_ context.Context, positions []domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		s.positions[p.PortfolioID] = append(s.positions[p.PortfolioID], p)
	}
	return nil
}

func (s *Store) SaveNewOrders(_ context.Context, orders []domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return nil
}

func (s *Store) UpdateOrder(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *Store) LastPositionTimestamp(_ context.Context, portfolioID int64, date time.Time) (time.Time, error) {
	cutoff := domain.Day(date).AddDate(0, 0, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, p := range s.positions[portfolioID] {
		if p.Aggregated || !p.Timestamp.Before(cutoff) {
			continue
		}
		if p.Timestamp.After(last) {
			last = p.Timestamp
		}
	}
	return last, nil
}

func (s *Store) SetProperty(_ context.Context, entity string, id int64, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[propertyKey(entity, id, field)] = value
	return nil
}

// Property reads back a stored scalar. Test helper.
func (s *Store) Property(entity string, id int64, field string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.properties[propertyKey(entity, id, field)]
	return v, ok
}

func propertyKey(entity string, id int64, field string) string {
	return entity + "|" + strconv.FormatInt(id, 10) + "|" + field
}
