package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

var (
	usdCash = &domain.Instrument{ID: 9001, Symbol: "USD-CASH", Currency: "USD",
		Class: domain.ClassCash, Funding: domain.FundingNA}
	usdDebt = &domain.Instrument{ID: 9002, Symbol: "USD-DEBT", Currency: "USD",
		Class: domain.ClassCash, Funding: domain.FundingNA}
	eurCash = &domain.Instrument{ID: 9003, Symbol: "EUR-CASH", Currency: "EUR",
		Class: domain.ClassCash, Funding: domain.FundingNA}
	eurDebt = &domain.Instrument{ID: 9004, Symbol: "EUR-DEBT", Currency: "EUR",
		Class: domain.ClassCash, Funding: domain.FundingNA}

	equity = &domain.Instrument{ID: 10, Symbol: "ACME", Currency: "USD",
		Class: domain.ClassSecurity, Funding: domain.FundingTotalReturn}
	future = &domain.Instrument{ID: 20, Symbol: "ESZ4", Currency: "USD",
		Class: domain.ClassFuture, Funding: domain.FundingExcessReturn}
	funded = &domain.Instrument{ID: 30, Symbol: "REPO", Currency: "USD",
		Class: domain.ClassSecurity, Funding: domain.FundingTotalReturn,
		LongCarryRate: -0.01, ShortCarryRate: -0.02, CarryDayCount: 360}
)

var (
	day0 = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC) // Monday
	day1 = day0.AddDate(0, 0, 1)
	day2 = day0.AddDate(0, 0, 2)
)

// stubPrices serves constant levels per instrument and series. Missing
// entries read NaN, matching the PriceProvider contract.
type stubPrices struct {
	levels map[int64]map[domain.SeriesType]float64
	fx     map[string]float64
}

func newStubPrices() *stubPrices {
	return &stubPrices{
		levels: make(map[int64]map[domain.SeriesType]float64),
		fx:     make(map[string]float64),
	}
}

func (s *stubPrices) set(id int64, series domain.SeriesType, level float64) {
	if s.levels[id] == nil {
		s.levels[id] = make(map[domain.SeriesType]float64)
	}
	s.levels[id][series] = level
}

func (s *stubPrices) Value(_ context.Context, id int64, _ time.Time, series domain.SeriesType, _ domain.RollPolicy) float64 {
	if m, ok := s.levels[id]; ok {
		if v, ok := m[series]; ok {
			return v
		}
	}
	return math.NaN()
}

func (s *stubPrices) FXRate(_ context.Context, from, to string, _ time.Time) float64 {
	if r, ok := s.fx[from+"/"+to]; ok {
		return r
	}
	return math.NaN()
}

// stubActions replays a fixed action list for one security.
type stubActions struct {
	acts []domain.CorporateAction
}

func (s *stubActions) ActionsFor(_ context.Context, securityID int64, _ time.Time) ([]domain.CorporateAction, error) {
	var out []domain.CorporateAction
	for _, a := range s.acts {
		if a.SecurityID == securityID {
			out = append(out, a)
		}
	}
	return out, nil
}

// stubRecorder collects booked orders.
type stubRecorder struct {
	booked []domain.Order
}

func (r *stubRecorder) OrderBooked(o domain.Order) { r.booked = append(r.booked, o) }

// stubSub is a minimal child strategy account with the commit
// semantics the booking gate relies on.
type stubSub struct {
	id      int64
	ccy     string
	book    *Portfolio
	aum     float64
	pending float64
}

func (s *stubSub) InstrumentID() int64 { return s.id }
func (s *stubSub) Currency() string    { return s.ccy }
func (s *stubSub) Book() *Portfolio    { return s.book }

func (s *stubSub) AUM(time.Time) float64 {
	return s.aum
}

func (s *stubSub) PendingAUMChange(time.Time) float64 { return s.pending }

func (s *stubSub) OrderAUMChange(_ context.Context, _ time.Time, delta float64) error {
	s.pending += delta
	return nil
}

func (s *stubSub) CommitAUMChange(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	d := decimal.NewFromFloat(s.pending)
	s.aum += s.pending
	s.pending = 0
	if s.book != nil && !d.IsZero() {
		if err := s.book.UpdateReservePosition(ctx, date, d, s.ccy); err != nil {
			return decimal.Zero, err
		}
	}
	return d, nil
}

func (s *stubSub) HasNonExecutedOrders(date time.Time) bool {
	return s.book != nil && s.book.HasNonExecutedOrders(date)
}

func newTestBook(t *testing.T, id int64, prices domain.PriceProvider, actions domain.ActionSource) *Portfolio {
	t.Helper()
	book, err := NewPortfolio(Config{
		ID:       id,
		Currency: "USD",
		Prices:   prices,
		Actions:  actions,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	book.SetReserves("USD", usdCash, usdDebt)
	book.RegisterInstrument(equity)
	book.RegisterInstrument(future)
	book.RegisterInstrument(funded)
	return book
}

func decf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestUpdateReservePosition_SignSwitch(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)

	require.NoError(t, book.UpdateReservePosition(ctx, day0, decf(100), "USD"))
	assert.True(t, book.ReserveValue(day0, "USD").Equal(decf(100)))

	long, ok := book.FindLatestPosition(usdCash.ID, day0, false)
	require.True(t, ok)
	assert.True(t, long.Unit.Equal(decf(100)))
	assert.True(t, long.Strike.Equal(decf(100)), "cash strike tracks face value")

	// Crossing zero moves the balance onto the short reserve leg.
	require.NoError(t, book.UpdateReservePosition(ctx, day0, decf(-250), "USD"))
	assert.True(t, book.ReserveValue(day0, "USD").Equal(decf(-150)))

	_, ok = book.FindLatestPosition(usdCash.ID, day0, false)
	assert.False(t, ok, "long reserve must be flat after the switch")
	short, ok := book.FindLatestPosition(usdDebt.ID, day0, false)
	require.True(t, ok)
	assert.True(t, short.Unit.Equal(decf(-150)))
}

func TestUpdateReservePosition_UnknownCurrency(t *testing.T) {
	book := newTestBook(t, 1, newStubPrices(), nil)
	err := book.UpdateReservePosition(context.Background(), day0, decf(1), "JPY")
	assert.Error(t, err)
}

func TestCreatePosition_SelfFinancing(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)
	require.NoError(t, book.UpdateReservePosition(ctx, day0, decf(1000), "USD"))

	pos, err := book.CreatePosition(ctx, equity.ID, day1, 10, 5, CreatePositionOpts{})
	require.NoError(t, err)
	assert.True(t, pos.Unit.Equal(decf(10)))
	assert.True(t, pos.Strike.Equal(decf(50)))

	// The buy is value-neutral: 10 units at 5 drain 50 from cash.
	assert.True(t, book.ReserveValue(day1, "USD").Equal(decf(950)))

	agg, ok := book.FindLatestPosition(equity.ID, day1, true)
	require.True(t, ok)
	assert.True(t, agg.Unit.Equal(decf(10)))
	assert.True(t, agg.Aggregated)
}

func TestCreatePosition_NoReserveRejectedBeforeWrite(t *testing.T) {
	ctx := context.Background()
	book, err := NewPortfolio(Config{
		ID:       1,
		Currency: "USD",
		Prices:   newStubPrices(),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	book.RegisterInstrument(equity)

	// A funded trade with nowhere to book the cash leg is rejected
	// whole: no local position, no aggregate, no watermark movement.
	_, err = book.CreatePosition(ctx, equity.ID, day0, 10, 5, CreatePositionOpts{})
	require.Error(t, err)

	_, ok := book.FindLatestPosition(equity.ID, day0, false)
	assert.False(t, ok)
	_, ok = book.FindLatestPosition(equity.ID, day0, true)
	assert.False(t, ok)
	assert.True(t, book.LastTimestamp().IsZero())
}

func TestCreatePosition_ExcessReturnNoCashOutlay(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)
	require.NoError(t, book.UpdateReservePosition(ctx, day0, decf(1000), "USD"))

	pos, err := book.CreatePosition(ctx, future.ID, day1, 2, 100, CreatePositionOpts{})
	require.NoError(t, err)
	assert.True(t, pos.Strike.Equal(decf(200)))
	assert.True(t, book.ReserveValue(day1, "USD").Equal(decf(1000)),
		"margin instruments carry no cash outlay at trade time")
}

func TestCreatePosition_WatermarkViolation(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)

	_, err := book.CreatePosition(ctx, equity.ID, day1, 10, 5, CreatePositionOpts{SuppressReserve: true})
	require.NoError(t, err)

	_, err = book.CreatePosition(ctx, equity.ID, day1.Add(-time.Millisecond), 12, 5, CreatePositionOpts{SuppressReserve: true})
	assert.ErrorIs(t, err, domain.ErrTemporalOrderViolation)
}

func TestCreatePosition_InvalidQuantity(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)

	_, err := book.CreatePosition(ctx, equity.ID, day0, math.NaN(), 5, CreatePositionOpts{})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = book.CreatePosition(ctx, equity.ID, day0, 10, math.Inf(1), CreatePositionOpts{})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestCreatePosition_SameTimestampNeedsOverwrite(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)

	_, err := book.CreatePosition(ctx, equity.ID, day0, 10, 5, CreatePositionOpts{SuppressReserve: true})
	require.NoError(t, err)

	_, err = book.CreatePosition(ctx, equity.ID, day0, 12, 5, CreatePositionOpts{SuppressReserve: true})
	assert.Error(t, err)

	pos, err := book.CreatePosition(ctx, equity.ID, day0, 12, 5, CreatePositionOpts{SuppressReserve: true, Overwrite: true})
	require.NoError(t, err)
	assert.True(t, pos.Unit.Equal(decf(12)))
}

func TestCreatePosition_StrategyIndicatorCollapse(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)
	strat := &domain.Instrument{ID: 100, Symbol: "SUB", Currency: "USD",
		Class: domain.ClassStrategy, Funding: domain.FundingTotalReturn}
	book.RegisterInstrument(strat)

	pos, err := book.CreatePosition(ctx, strat.ID, day0, 7, 250, CreatePositionOpts{SuppressReserve: true})
	require.NoError(t, err)
	assert.True(t, pos.Unit.Equal(decf(1)), "strategy unit collapses to an indicator")
	assert.True(t, pos.Strike.Equal(decf(250)), "execution level carries the notional")
}

func TestAggregationRollsToAncestors(t *testing.T) {
	ctx := context.Background()
	prices := newStubPrices()
	parent := newTestBook(t, 1, prices, nil)
	child := newTestBook(t, 2, prices, nil)
	require.NoError(t, child.SetParent(parent))

	_, err := child.CreatePosition(ctx, equity.ID, day0, 10, 5, CreatePositionOpts{SuppressReserve: true})
	require.NoError(t, err)

	_, ok := parent.FindLatestPosition(equity.ID, day0, false)
	assert.False(t, ok, "parent holds nothing locally")

	agg, ok := parent.FindLatestPosition(equity.ID, day0, true)
	require.True(t, ok)
	assert.True(t, agg.Unit.Equal(decf(10)))
	assert.True(t, agg.Strike.Equal(decf(50)))

	// Second child write and a parent-local write both fold in.
	_, err = child.CreatePosition(ctx, equity.ID, day1, 15, 6, CreatePositionOpts{SuppressReserve: true})
	require.NoError(t, err)
	_, err = parent.CreatePosition(ctx, equity.ID, day1, 3, 6, CreatePositionOpts{SuppressReserve: true})
	require.NoError(t, err)

	agg, ok = parent.FindLatestPosition(equity.ID, day1, true)
	require.True(t, ok)
	assert.True(t, agg.Unit.Equal(decf(18)), "got %s", agg.Unit)

	childAgg, ok := child.FindLatestPosition(equity.ID, day1, true)
	require.True(t, ok)
	assert.True(t, childAgg.Unit.Equal(decf(15)))
}

func TestSetParent_CycleRejected(t *testing.T) {
	a := newTestBook(t, 1, newStubPrices(), nil)
	b := newTestBook(t, 2, newStubPrices(), nil)

	require.NoError(t, b.SetParent(a))
	err := a.SetParent(b)
	assert.True(t, errors.Is(err, domain.ErrStructuralCycle))
}

func TestVirtualPositionsMergeOpenOrders(t *testing.T) {
	ctx := context.Background()
	book := newTestBook(t, 1, newStubPrices(), nil)

	_, err := book.CreatePosition(ctx, equity.ID, day0, 10, 5, CreatePositionOpts{SuppressReserve: true})
	require.NoError(t, err)
	_, err = book.CreateOrder(ctx, equity.ID, day0, 5, CreateOrderOpts{})
	require.NoError(t, err)

	virtual := book.VirtualPositions(day0, false)
	require.Len(t, virtual, 1)
	assert.True(t, virtual[0].Unit.Equal(decf(15)))

	// Booked positions alone stay untouched.
	booked := book.Positions(day0, false)
	require.Len(t, booked, 1)
	assert.True(t, booked[0].Unit.Equal(decf(10)))
}

func TestPortfolioValue(t *testing.T) {
	ctx := context.Background()
	prices := newStubPrices()
	prices.set(equity.ID, domain.SeriesMid, 6)
	book := newTestBook(t, 1, prices, nil)

	require.NoError(t, book.UpdateReservePosition(ctx, day0, decf(100), "USD"))
	_, err := book.CreatePosition(ctx, equity.ID, day0, 10, 5, CreatePositionOpts{})
	require.NoError(t, err)

	// 10 units at mid 6 plus remaining cash 50.
	assert.InDelta(t, 110, book.Value(ctx, day0, domain.SeriesMid), 1e-9)
}
