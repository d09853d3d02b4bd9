package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CorporateActionType represents the kind of corporate action
type CorporateActionType string

const (
	ActionCashDividend CorporateActionType = "CASH_DIVIDEND"
	ActionCoupon       CorporateActionType = "COUPON"
	ActionSplit        CorporateActionType = "SPLIT"
)

// CorporateAction is pure data supplied by an external source. For cash
// dividends and coupons Amount is the per-unit cash payment; for splits
// Amount is the unit multiplier.
type CorporateAction struct {
	ID           string
	SecurityID   int64
	DeclaredDate time.Time
	ExDate       time.Time
	RecordDate   time.Time
	PayableDate  time.Time
	Amount       decimal.Decimal
	Frequency    string
	Type         CorporateActionType
}
