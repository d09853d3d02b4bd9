package domain

import (
	"context"
	"time"
)

// SeriesType selects which market data series to read.
type SeriesType string

const (
	SeriesLast SeriesType = "LAST"
	SeriesMid  SeriesType = "MID"
	SeriesBid  SeriesType = "BID"
	SeriesAsk  SeriesType = "ASK"
)

// RollPolicy controls how a price lookup treats missing dates.
type RollPolicy string

const (
	// RollExact returns NaN unless the exact date is present.
	RollExact RollPolicy = "EXACT"
	// RollLastKnown falls back to the most recent prior observation.
	RollLastKnown RollPolicy = "LAST_KNOWN"
)

// Direction selects which way a business-day search moves.
type Direction int

const (
	DirectionPreceding Direction = -1
	DirectionFollowing Direction = 1
)

// StorageBackend defines the interface for ledger persistence. Absence
// of data for a date means "nothing happened yet", not an error.
type StorageBackend interface {
	// LoadPositions retrieves the positions written for a portfolio on a date.
	LoadPositions(ctx context.Context, portfolioID int64, date time.Time) ([]Position, error)

	// LoadOrders retrieves the orders dated on the given day.
	LoadOrders(ctx context.Context, portfolioID int64, date time.Time) ([]Order, error)

	// SaveNewPositions persists freshly created positions.
	SaveNewPositions(ctx context.Context, positions []Position) error

	// SaveNewOrders persists freshly created orders.
	SaveNewOrders(ctx context.Context, orders []Order) error

	// UpdateOrder persists a mutated order.
	UpdateOrder(ctx context.Context, order Order) error

	// LastPositionTimestamp returns the latest position timestamp at or
	// before the given date, or the zero time when none exists.
	LastPositionTimestamp(ctx context.Context, portfolioID int64, date time.Time) (time.Time, error)

	// SetProperty persists a single scalar field of an entity.
	SetProperty(ctx context.Context, entity string, id int64, field, value string) error
}

// PriceProvider retrieves market levels for instruments. A NaN result
// means the data is unavailable; it is never an error.
type PriceProvider interface {
	Value(ctx context.Context, instrumentID int64, date time.Time, series SeriesType, roll RollPolicy) float64

	// FXRate converts one unit of from-currency into to-currency.
	FXRate(ctx context.Context, from, to string, date time.Time) float64
}

// Calendar answers business-day questions for a trading calendar.
type Calendar interface {
	IsBusinessDay(date time.Time) bool
	NextBusinessDay(date time.Time) time.Time
	ClosestBusinessDay(date time.Time, direction Direction) time.Time
}

// Fill is an execution report pulled from a Router.
type Fill struct {
	Time  time.Time
	Level float64
}

// Router hands orders to an execution destination. The core never
// assumes a synchronous fill.
type Router interface {
	// Submit forwards an order for execution.
	Submit(ctx context.Context, order Order) error

	// Fill returns the pending execution report for an order, if any.
	Fill(ctx context.Context, orderID string) (Fill, bool, error)
}

// ActionSource supplies corporate actions for a security. The ledger
// only applies supplied actions; sourcing them is external.
type ActionSource interface {
	ActionsFor(ctx context.Context, securityID int64, exDate time.Time) ([]CorporateAction, error)
}

// OrderRecorder receives booked orders. It replaces implicit
// property-changed broadcasting with an explicit output channel the
// ledger writes to after each booking.
type OrderRecorder interface {
	OrderBooked(order Order)
}
