package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType represents the execution instruction of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks the lifecycle of an order
type OrderStatus string

const (
	OrderStatusNew         OrderStatus = "NEW"
	OrderStatusSubmitted   OrderStatus = "SUBMITTED"
	OrderStatusExecuted    OrderStatus = "EXECUTED"
	OrderStatusBooked      OrderStatus = "BOOKED"
	OrderStatusNotExecuted OrderStatus = "NOT_EXECUTED"
)

// transitions lists the reachable statuses from each status. NotExecuted
// is terminal for the cycle only; the order can be resubmitted on a
// later date. Zero-unit New orders book immediately as no-ops, hence
// New -> Booked.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:         {OrderStatusSubmitted, OrderStatusBooked, OrderStatusNotExecuted},
	OrderStatusSubmitted:   {OrderStatusExecuted, OrderStatusNotExecuted},
	OrderStatusExecuted:    {OrderStatusBooked, OrderStatusNotExecuted},
	OrderStatusNotExecuted: {OrderStatusSubmitted},
	OrderStatusBooked:      {},
}

// CanTransition reports whether a status transition is allowed.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order represents a pending or completed trading instruction. Identity
// is stable across a node and its ancestors' aggregate mirrors.
type Order struct {
	ID           string
	PortfolioID  int64
	InstrumentID int64
	Unit         decimal.Decimal
	OrderDate    time.Time
	Type         OrderType
	Limit        float64
	Status       OrderStatus

	// ExecutionLevel is NaN until a fill is known. Booking checks for
	// NaN before committing.
	ExecutionLevel float64
	ExecutionDate  time.Time

	// Routing fields, opaque to the ledger.
	Client      string
	Destination string
	Account     string

	Aggregated bool
}

// NewOrderID returns a fresh order identity.
func NewOrderID() string { return uuid.New().String() }

// IsOpen reports whether the order still awaits booking.
func (o *Order) IsOpen() bool {
	return o.Status != OrderStatusBooked && o.Status != OrderStatusNotExecuted
}

// HasExecutionLevel reports whether a usable fill level is present.
func (o *Order) HasExecutionLevel() bool {
	return !math.IsNaN(o.ExecutionLevel) && !math.IsInf(o.ExecutionLevel, 0)
}
