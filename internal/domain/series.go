package domain

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SeriesPoint is one dated observation in a Series.
type SeriesPoint struct {
	Date  time.Time
	Value decimal.Decimal
}

// Series is a timestamp-indexed append-mostly sequence of decimal
// observations queried by "latest at-or-before". It backs AUM,
// AUM-change and NAV bookkeeping. Safe for concurrent use.
type Series struct {
	mu     sync.RWMutex
	points []SeriesPoint
}

// NewSeries creates an empty series.
func NewSeries() *Series {
	return &Series{}
}

// Set records a value at the given date, replacing any existing point
// on the same day.
func (s *Series) Set(date time.Time, value decimal.Decimal) {
	day := Day(date)
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(day)
	})
	if i < len(s.points) && s.points[i].Date.Equal(day) {
		s.points[i].Value = value
		return
	}
	s.points = append(s.points, SeriesPoint{})
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = SeriesPoint{Date: day, Value: value}
}

// At returns the exact value recorded for the given day.
func (s *Series) At(date time.Time) (decimal.Decimal, bool) {
	day := Day(date)
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(day)
	})
	if i < len(s.points) && s.points[i].Date.Equal(day) {
		return s.points[i].Value, true
	}
	return decimal.Zero, false
}

// Latest returns the most recent value at or before the given day.
func (s *Series) Latest(date time.Time) (SeriesPoint, bool) {
	day := Day(date)
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.points), func(i int) bool {
		return s.points[i].Date.After(day)
	})
	if i == 0 {
		return SeriesPoint{}, false
	}
	return s.points[i-1], true
}

// Previous returns the most recent value strictly before the given day.
func (s *Series) Previous(date time.Time) (SeriesPoint, bool) {
	day := Day(date)
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(day)
	})
	if i == 0 {
		return SeriesPoint{}, false
	}
	return s.points[i-1], true
}

// Delete removes the point recorded for the given day, if any.
func (s *Series) Delete(date time.Time) {
	day := Day(date)
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(day)
	})
	if i < len(s.points) && s.points[i].Date.Equal(day) {
		s.points = append(s.points[:i], s.points[i+1:]...)
	}
}

// Len returns the number of recorded points.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// First returns the earliest recorded point.
func (s *Series) First() (SeriesPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.points) == 0 {
		return SeriesPoint{}, false
	}
	return s.points[0], true
}
