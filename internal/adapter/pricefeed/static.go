// Package pricefeed provides PriceProvider implementations: a static
// in-memory feed for simulations and a Redis read-through cache for a
// slower upstream feed.
package pricefeed

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

type seriesKey struct {
	instrument int64
	series     domain.SeriesType
}

type observation struct {
	date  time.Time
	level float64
}

// Static is an in-memory price feed loaded up front. Missing data
// reads as NaN, per the PriceProvider contract.
type Static struct {
	mu     sync.RWMutex
	series map[seriesKey][]observation
	fx     map[string][]observation // "FROM/TO"
}

// NewStatic creates an empty static feed.
func NewStatic() *Static {
	return &Static{
		series: make(map[seriesKey][]observation),
		fx:     make(map[string][]observation),
	}
}

// SetValue records a market level for the instrument, date and series.
func (s *Static) SetValue(instrumentID int64, date time.Time, series domain.SeriesType, level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seriesKey{instrument: instrumentID, series: series}
	s.series[key] = insert(s.series[key], domain.Day(date), level)
}

// SetFXRate records a conversion rate for one unit of from-currency.
func (s *Static) SetFXRate(from, to string, date time.Time, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := from + "/" + to
	s.fx[key] = insert(s.fx[key], domain.Day(date), rate)
}

func (s *Static) Value(_ context.Context, instrumentID int64, date time.Time, series domain.SeriesType, roll domain.RollPolicy) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.series[seriesKey{instrument: instrumentID, series: series}], domain.Day(date), roll)
}

func (s *Static) FXRate(_ context.Context, from, to string, date time.Time) float64 {
	if from == to {
		return 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate := lookup(s.fx[from+"/"+to], domain.Day(date), domain.RollLastKnown); !math.IsNaN(rate) {
		return rate
	}
	if inverse := lookup(s.fx[to+"/"+from], domain.Day(date), domain.RollLastKnown); !math.IsNaN(inverse) && inverse != 0 {
		return 1 / inverse
	}
	return math.NaN()
}

func insert(seq []observation, day time.Time, level float64) []observation {
	i := sort.Search(len(seq), func(i int) bool { return !seq[i].date.Before(day) })
	if i < len(seq) && seq[i].date.Equal(day) {
		seq[i].level = level
		return seq
	}
	seq = append(seq, observation{})
	copy(seq[i+1:], seq[i:])
	seq[i] = observation{date: day, level: level}
	return seq
}

func lookup(seq []observation, day time.Time, roll domain.RollPolicy) float64 {
	i := sort.Search(len(seq), func(i int) bool { return seq[i].date.After(day) })
	if i == 0 {
		return math.NaN()
	}
	obs := seq[i-1]
	if roll == domain.RollExact && !obs.date.Equal(day) {
		return math.NaN()
	}
	return obs.level
}
