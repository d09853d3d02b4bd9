package pricefeed

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// Cached wraps a primary PriceProvider with a Redis read-through
// cache. Reads check Redis first then fall back to the primary; NaN
// results are never cached so missing data can appear later.
type Cached struct {
	primary domain.PriceProvider
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCached creates a cached wrapper around a primary feed.
func NewCached(primary domain.PriceProvider, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (c *Cached) Value(ctx context.Context, instrumentID int64, date time.Time, series domain.SeriesType, roll domain.RollPolicy) float64 {
	key := valueKey(instrumentID, date, series, roll)

	// Try cache.
	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if level, err := strconv.ParseFloat(raw, 64); err == nil {
			return level
		}
	}

	// Cache miss: read from primary.
	level := c.primary.Value(ctx, instrumentID, date, series, roll)
	if !math.IsNaN(level) {
		c.rdb.Set(ctx, key, strconv.FormatFloat(level, 'g', -1, 64), c.ttl)
	}
	return level
}

func (c *Cached) FXRate(ctx context.Context, from, to string, date time.Time) float64 {
	key := fxKey(from, to, date)

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if rate, err := strconv.ParseFloat(raw, 64); err == nil {
			return rate
		}
	}

	rate := c.primary.FXRate(ctx, from, to, date)
	if !math.IsNaN(rate) {
		c.rdb.Set(ctx, key, strconv.FormatFloat(rate, 'g', -1, 64), c.ttl)
	}
	return rate
}

func valueKey(instrumentID int64, date time.Time, series domain.SeriesType, roll domain.RollPolicy) string {
	return fmt.Sprintf("price:%d:%s:%s:%s", instrumentID, domain.Day(date).Format("2006-01-02"), series, roll)
}

func fxKey(from, to string, date time.Time) string {
	return fmt.Sprintf("fx:%s:%s:%s", from, to, domain.Day(date).Format("2006-01-02"))
}
