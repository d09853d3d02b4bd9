package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

var (
	monday  = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	tuesday = monday.AddDate(0, 0, 1)
)

func TestStore_PositionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.SaveNewPositions(ctx, []domain.Position{
		{PortfolioID: 1, InstrumentID: 10, Unit: decimal.NewFromInt(5), Timestamp: monday},
		{PortfolioID: 1, InstrumentID: 10, Unit: decimal.NewFromInt(7), Timestamp: tuesday},
		{PortfolioID: 2, InstrumentID: 10, Unit: decimal.NewFromInt(9), Timestamp: monday},
	}))

	got, err := store.LoadPositions(ctx, 1, monday)
	require.NoError(t, err)
	require.Len(t, got, 1, "only the requested portfolio and day")
	assert.True(t, got[0].Unit.Equal(decimal.NewFromInt(5)))

	got, err = store.LoadPositions(ctx, 1, tuesday)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Unit.Equal(decimal.NewFromInt(7)))
}

func TestStore_OrdersRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	order := domain.Order{
		ID:           domain.NewOrderID(),
		PortfolioID:  1,
		InstrumentID: 10,
		Unit:         decimal.NewFromInt(5),
		OrderDate:    monday,
		Status:       domain.OrderStatusNew,
	}
	require.NoError(t, store.SaveNewOrders(ctx, []domain.Order{order}))

	got, err := store.LoadOrders(ctx, 1, monday)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderStatusNew, got[0].Status)

	order.Status = domain.OrderStatusSubmitted
	require.NoError(t, store.UpdateOrder(ctx, order))

	got, err = store.LoadOrders(ctx, 1, monday)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderStatusSubmitted, got[0].Status)
}

func TestStore_LastPositionTimestamp(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.SaveNewPositions(ctx, []domain.Position{
		{PortfolioID: 1, InstrumentID: 10, Timestamp: monday},
		{PortfolioID: 1, InstrumentID: 11, Timestamp: tuesday},
		{PortfolioID: 1, InstrumentID: 12, Timestamp: tuesday.AddDate(0, 0, 5)},
		{PortfolioID: 1, InstrumentID: 13, Timestamp: tuesday, Aggregated: true},
	}))

	last, err := store.LastPositionTimestamp(ctx, 1, tuesday)
	require.NoError(t, err)
	assert.Equal(t, tuesday, last, "later writes and aggregated mirrors are excluded")

	last, err = store.LastPositionTimestamp(ctx, 2, tuesday)
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestStore_Properties(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.SetProperty(ctx, "corporate_action", 1, "processed", "DIV-1"))

	v, ok := store.Property("corporate_action", 1, "processed")
	require.True(t, ok)
	assert.Equal(t, "DIV-1", v)

	_, ok = store.Property("corporate_action", 2, "processed")
	assert.False(t, ok)
}
