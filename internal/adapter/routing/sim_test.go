package routing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

func TestSimRouter_SubmitAndFill(t *testing.T) {
	ctx := context.Background()
	router := NewSimRouter(nil)

	order := domain.Order{
		ID:           domain.NewOrderID(),
		PortfolioID:  1,
		InstrumentID: 10,
		Unit:         decimal.NewFromInt(5),
		Status:       domain.OrderStatusNew,
	}
	require.NoError(t, router.Submit(ctx, order))
	assert.True(t, router.Submitted(order.ID))

	// No fill until one is recorded.
	_, ok, err := router.Fill(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, ok, "submission never fills synchronously")

	at := time.Date(2024, 1, 8, 15, 30, 0, 0, time.UTC)
	router.RecordFill(order.ID, 101.5, at)

	fill, ok, err := router.Fill(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 101.5, fill.Level)
	assert.Equal(t, at, fill.Time)
}

func TestSimRouter_UnknownOrder(t *testing.T) {
	router := NewSimRouter(nil)
	_, ok, err := router.Fill(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
