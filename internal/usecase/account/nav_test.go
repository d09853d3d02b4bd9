package account

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNAVCalculation_StartsAtOne(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, 1, newPricesStub(), true, nil)

	require.NoError(t, node.UpdateAUM(ctx, day0, 1.0, true))
	require.NoError(t, node.NAVCalculation(ctx, day0))

	nav, ok := node.NAV(day0)
	require.True(t, ok)
	assert.InDelta(t, 1.0, nav, 1e-12)
}

func TestNAVCalculation_TracksGainsAndMarksAUM(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, 1, newPricesStub(), true, nil)

	require.NoError(t, node.UpdateAUM(ctx, day0, 1.0, true))
	require.NoError(t, node.NAVCalculation(ctx, day0))

	// Setup: a 0.1 gain lands in the reserve overnight.
	require.NoError(t, node.Book().UpdateReservePosition(ctx, day1, decimal.NewFromFloat(0.1), "USD"))
	require.NoError(t, node.NAVCalculation(ctx, day1))

	nav, ok := node.NAV(day1)
	require.True(t, ok)
	assert.InDelta(t, 1.1, nav, 1e-12)
	assert.InDelta(t, 1.1, node.AUM(day1), 1e-12, "AUM marks to value without a capital flow")
	f, _ := node.Book().ReserveValue(day1, "USD").Float64()
	assert.InDelta(t, 1.1, f, 1e-12, "marking must not move cash")

	// A flat day leaves the index where it is.
	require.NoError(t, node.NAVCalculation(ctx, day2))
	nav, _ = node.NAV(day2)
	assert.InDelta(t, 1.1, nav, 1e-12)
}

func TestNAVCalculation_NoCommittedAUMIsNoop(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, 1, newPricesStub(), true, nil)

	require.NoError(t, node.NAVCalculation(ctx, day0))
	_, ok := node.NAV(day0)
	assert.False(t, ok)
}

func TestNAVCalculation_ExhaustedNodeWindsDown(t *testing.T) {
	ctx := context.Background()
	prices := newPricesStub()
	parent := newTestNode(t, 1, prices, true, nil)
	child := newTestNode(t, 2, prices, true, nil)
	require.NoError(t, parent.AddSubStrategy(child))

	require.NoError(t, child.UpdateAUM(ctx, day0, 1.0, true))

	// Setup: losses drain the reserve below zero.
	require.NoError(t, child.Book().UpdateReservePosition(ctx, day1, decimal.NewFromFloat(-1.2), "USD"))
	require.NoError(t, child.NAVCalculation(ctx, day1))

	assert.False(t, child.InWindow(day1), "exhausted node closes its trading window")
	assert.True(t, child.Book().ReserveValue(day1, "USD").IsZero(),
		"residual swept to the parent")
	f, _ := parent.Book().ReserveValue(day1, "USD").Float64()
	assert.InDelta(t, -0.2, f, 1e-12, "parent absorbs the shortfall")

	nav, ok := child.NAV(day1)
	require.True(t, ok)
	assert.InDelta(t, -0.2, nav, 1e-12)
}

func TestPreNAVCalculation_PublishedSeries(t *testing.T) {
	ctx := context.Background()
	prices := newPricesStub()
	prices.levels[1] = 104.5

	node := newTestNode(t, 1, prices, false, nil)
	require.NoError(t, node.PreNAVCalculation(ctx, day0))

	nav, ok := node.NAV(day0)
	require.True(t, ok)
	assert.InDelta(t, 104.5, nav, 1e-12)
}

func TestAddRemoveSubStrategies_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	prices := newPricesStub()
	parent := newTestNode(t, 1, prices, true, nil)
	child := newTestNode(t, 2, prices, true, nil)
	require.NoError(t, parent.AddSubStrategy(child))

	require.NoError(t, parent.UpdateAUM(ctx, day0, 1000, true))

	// Joining: a pending allocation and no live position yet places
	// the marker order the funding books against.
	require.NoError(t, child.OrderAUMChange(ctx, day0, 100))
	require.NoError(t, parent.AddRemoveSubStrategies(ctx, day0))
	orders := parent.Book().Orders(day0, false)
	require.Len(t, orders, 1)
	assert.Equal(t, child.InstrumentID(), orders[0].InstrumentID)

	parent.Book().BookOrders(ctx, day0)

	pos, live := parent.Book().FindLatestPosition(child.InstrumentID(), day0, false)
	require.True(t, live)
	assert.True(t, pos.Unit.Equal(decimal.NewFromInt(1)))
	assert.True(t, pos.Strike.Equal(decimal.NewFromInt(100)))
	assert.InDelta(t, 100, child.AUM(day0), 1e-12)
	f, _ := parent.Book().ReserveValue(day0, "USD").Float64()
	assert.InDelta(t, 900, f, 1e-12)
	cf, _ := child.Book().ReserveValue(day0, "USD").Float64()
	assert.InDelta(t, 100, cf, 1e-12)

	// Leaving: the window closes, the next reconciliation pass winds
	// the child down and returns its value.
	child.Deactivate(day1)
	require.NoError(t, parent.AddRemoveSubStrategies(ctx, day1))

	_, live = parent.Book().FindLatestPosition(child.InstrumentID(), day1, false)
	assert.False(t, live)
	assert.Empty(t, parent.Children())
	f, _ = parent.Book().ReserveValue(day1, "USD").Float64()
	assert.InDelta(t, 1000, f, 1e-12, "the child's value comes home")
	assert.Zero(t, child.AUM(day1))
	assert.True(t, child.Book().ReserveValue(day1, "USD").IsZero())
}
