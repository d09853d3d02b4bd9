package domain

import (
	"errors"
	"time"
)

// FundingType describes how holding an instrument is funded
type FundingType string

const (
	FundingTotalReturn  FundingType = "TOTAL_RETURN"
	FundingExcessReturn FundingType = "EXCESS_RETURN"
	FundingNA           FundingType = "NA"
)

// InstrumentClass describes the kind of instrument
type InstrumentClass string

const (
	ClassSecurity InstrumentClass = "SECURITY"
	ClassFuture   InstrumentClass = "FUTURE"
	ClassCash     InstrumentClass = "CASH"
	ClassStrategy InstrumentClass = "STRATEGY"
)

// Instrument is the base identity shared by securities, futures, cash
// reserves and strategy nodes. Instruments are owned by the storage
// backend; ledger code only reads them.
type Instrument struct {
	ID       int64
	Symbol   string
	Currency string
	Class    InstrumentClass
	Funding  FundingType

	// Carry parameters. Rates are annualized and signed: a negative
	// rate is a cost charged to the reserve, a positive rate a credit.
	LongCarryRate  float64
	ShortCarryRate float64
	CarryDayCount  float64 // day-count base, e.g. 360 or 365

	CalendarID string
}

// Validate ensures the instrument adheres to domain rules
func (i *Instrument) Validate() error {
	if i.ID == 0 {
		return errors.New("instrument ID cannot be zero")
	}
	if i.Currency == "" {
		return errors.New("instrument currency cannot be empty")
	}
	switch i.Class {
	case ClassSecurity, ClassFuture, ClassCash, ClassStrategy:
	default:
		return errors.New("instrument class must be SECURITY, FUTURE, CASH or STRATEGY")
	}
	switch i.Funding {
	case FundingTotalReturn, FundingExcessReturn, FundingNA:
	default:
		return errors.New("funding type must be TOTAL_RETURN, EXCESS_RETURN or NA")
	}
	return nil
}

// IsCash reports whether the instrument is a cash reserve proxy.
func (i *Instrument) IsCash() bool { return i.Class == ClassCash }

// IsFuture reports whether the instrument is a listed future.
func (i *Instrument) IsFuture() bool { return i.Class == ClassFuture }

// IsStrategy reports whether the instrument represents a strategy node.
func (i *Instrument) IsStrategy() bool { return i.Class == ClassStrategy }

// CarryRate returns the applicable carry rate for a signed exposure.
func (i *Instrument) CarryRate(unitSign int) float64 {
	if unitSign < 0 {
		return i.ShortCarryRate
	}
	return i.LongCarryRate
}

// Day normalizes a timestamp to midnight UTC. Positions and orders are
// indexed by trading day; intraday timestamps only order writes within
// a day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
