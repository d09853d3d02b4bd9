package scheduler

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/account"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/ledger"
)

var (
	cashLong = &domain.Instrument{ID: 9001, Symbol: "USD-CASH", Currency: "USD",
		Class: domain.ClassCash, Funding: domain.FundingNA}
	cashShort = &domain.Instrument{ID: 9002, Symbol: "USD-DEBT", Currency: "USD",
		Class: domain.ClassCash, Funding: domain.FundingNA}
	security = &domain.Instrument{ID: 10, Symbol: "ACME", Currency: "USD",
		Class: domain.ClassSecurity, Funding: domain.FundingTotalReturn}

	monday   = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	saturday = time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
)

type pricesStub struct {
	levels map[int64]float64
}

func (s *pricesStub) Value(_ context.Context, id int64, _ time.Time, _ domain.SeriesType, _ domain.RollPolicy) float64 {
	if v, ok := s.levels[id]; ok {
		return v
	}
	return math.NaN()
}

func (s *pricesStub) FXRate(context.Context, string, string, time.Time) float64 {
	return math.NaN()
}

// weekdayCal treats Monday through Friday as business days.
type weekdayCal struct{}

func (weekdayCal) IsBusinessDay(date time.Time) bool {
	wd := date.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func (c weekdayCal) NextBusinessDay(date time.Time) time.Time {
	d := domain.Day(date).AddDate(0, 0, 1)
	for !c.IsBusinessDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func (c weekdayCal) ClosestBusinessDay(date time.Time, direction domain.Direction) time.Time {
	step := int(direction)
	if step == 0 {
		step = 1
	}
	d := domain.Day(date)
	for !c.IsBusinessDay(d) {
		d = d.AddDate(0, 0, step)
	}
	return d
}

// countingLogic counts Execute invocations around an inner logic.
type countingLogic struct {
	inner account.Logic
	n     *int
}

func (l countingLogic) Execute(ctx context.Context, s *account.Strategy, ec *account.ExecutionContext) error {
	*l.n++
	return l.inner.Execute(ctx, s, ec)
}

func (l countingLogic) PostExecute(ctx context.Context, s *account.Strategy, ec *account.ExecutionContext) error {
	return l.inner.PostExecute(ctx, s, ec)
}

func newNode(t *testing.T, id int64, prices domain.PriceProvider, logic account.Logic) *account.Strategy {
	t.Helper()
	inst := &domain.Instrument{
		ID:       id,
		Symbol:   fmt.Sprintf("STRAT-%d", id),
		Currency: "USD",
		Class:    domain.ClassStrategy,
		Funding:  domain.FundingTotalReturn,
	}
	book, err := ledger.NewPortfolio(ledger.Config{
		ID:       id,
		Currency: "USD",
		Prices:   prices,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	book.SetReserves("USD", cashLong, cashShort)
	node, err := account.NewStrategy(account.Config{
		Instrument: inst,
		Book:       book,
		Logic:      logic,
		Prices:     prices,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return node
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestProcess_FullCycle(t *testing.T) {
	ctx := context.Background()
	prices := &pricesStub{levels: map[int64]float64{security.ID: 100}}

	root := newNode(t, 1, prices, account.ConstantWeightLogic{Weights: map[int64]float64{
		security.ID: 1.0,
	}})
	root.AddInstrument(monday, security)
	require.NoError(t, root.UpdateAUM(ctx, monday, 1000, true))

	sched, err := New(Config{Root: root, Prices: prices, Calendar: weekdayCal{}, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, sched.Process(ctx, monday))

	pos, ok := root.Book().FindLatestPosition(security.ID, monday, false)
	require.True(t, ok)
	u, _ := pos.Unit.Float64()
	assert.InDelta(t, 10, u, 1e-9, "1000 notional at mid 100")
	assert.True(t, root.Book().ReserveValue(monday, "USD").IsZero(),
		"the buy is fully funded from the reserve")

	nav, ok := root.NAV(monday)
	require.True(t, ok)
	assert.InDelta(t, 1.0, nav, 1e-9)
}

func TestProcess_SkipsNonBusinessDays(t *testing.T) {
	ctx := context.Background()
	prices := &pricesStub{levels: map[int64]float64{security.ID: 100}}

	root := newNode(t, 1, prices, account.ConstantWeightLogic{Weights: map[int64]float64{
		security.ID: 1.0,
	}})
	root.AddInstrument(saturday, security)
	require.NoError(t, root.UpdateAUM(ctx, saturday, 1000, true))

	sched, err := New(Config{Root: root, Prices: prices, Calendar: weekdayCal{}, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, sched.Process(ctx, saturday))

	assert.Empty(t, root.Book().Orders(saturday, false))
	_, ok := root.NAV(saturday)
	assert.False(t, ok)
}

func TestProcess_LateResolvingChildRerunsOnce(t *testing.T) {
	ctx := context.Background()
	prices := &pricesStub{levels: map[int64]float64{}}

	executions := 0
	child := newNode(t, 2, prices, nil)
	root := newNode(t, 1, prices, countingLogic{
		inner: account.ConstantWeightLogic{Weights: map[int64]float64{child.InstrumentID(): 1.0}},
		n:     &executions,
	})
	require.NoError(t, root.AddSubStrategy(child))
	root.AddInstrument(monday, child.Instrument())
	require.NoError(t, root.UpdateAUM(ctx, monday, 1000, true))
	require.True(t, math.IsNaN(child.NextAUM(monday)), "child AUM starts unknown")

	sched, err := New(Config{Root: root, Prices: prices, Calendar: weekdayCal{}, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, sched.Process(ctx, monday))

	assert.Equal(t, 2, executions,
		"the allocation resolves the child's AUM, so the logic re-runs exactly once")

	assert.InDelta(t, 1000, child.AUM(monday), 1e-9, "the full slice committed")
	f, _ := child.Book().ReserveValue(monday, "USD").Float64()
	assert.InDelta(t, 1000, f, 1e-9)
	assert.True(t, root.Book().ReserveValue(monday, "USD").IsZero())

	pos, ok := root.Book().FindLatestPosition(child.InstrumentID(), monday, false)
	require.True(t, ok)
	assert.True(t, pos.Unit.Equal(decimal.NewFromInt(1)))

	nav, ok := root.NAV(monday)
	require.True(t, ok)
	assert.InDelta(t, 1.0, nav, 1e-9)
	childNAV, ok := child.NAV(monday)
	require.True(t, ok)
	assert.InDelta(t, 1.0, childNAV, 1e-9)
}

func TestRun_ProcessesBusinessDaysInOrder(t *testing.T) {
	ctx := context.Background()
	prices := &pricesStub{levels: map[int64]float64{security.ID: 100}}

	root := newNode(t, 1, prices, account.ConstantWeightLogic{Weights: map[int64]float64{
		security.ID: 1.0,
	}})
	root.AddInstrument(saturday, security)
	require.NoError(t, root.UpdateAUM(ctx, saturday, 1000, true))

	sched, err := New(Config{Root: root, Prices: prices, Calendar: weekdayCal{}, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, sched.Run(ctx, saturday, monday))

	_, ok := root.NAV(saturday)
	assert.False(t, ok, "weekend days are skipped")
	nav, ok := root.NAV(monday)
	require.True(t, ok)
	assert.InDelta(t, 1.0, nav, 1e-9)
}

func TestRun_HonorsContextCancellation(t *testing.T) {
	prices := &pricesStub{levels: map[int64]float64{}}
	root := newNode(t, 1, prices, nil)

	sched, err := New(Config{Root: root, Prices: prices, Calendar: weekdayCal{}, Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sched.Run(ctx, monday, monday.AddDate(0, 0, 5)), context.Canceled)
}
