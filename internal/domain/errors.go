package domain

import "errors"

var (
	// ErrInvalidQuantity signals a NaN or infinite unit on a position
	// or order mutation. Fatal to the call, never silently coerced.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrTemporalOrderViolation signals a position write earlier than
	// the portfolio watermark. Callers must replay in date order.
	ErrTemporalOrderViolation = errors.New("temporal order violation")

	// ErrStructuralCycle signals a sub-strategy attachment that would
	// create a cycle in the tree.
	ErrStructuralCycle = errors.New("structural cycle")

	// ErrUnresolvedAggregateTarget signals a sub-strategy order booked
	// while its descendants still have open orders. The order is
	// deferred, not failed.
	ErrUnresolvedAggregateTarget = errors.New("unresolved aggregate target")
)
