package quantize

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIdentityPassesThrough(t *testing.T) {
	unit := decimal.NewFromFloat(3.14159)
	assert.True(t, Identity{}.Quantize(1, unit).Equal(unit))
}

func TestLotSizeRoundsTowardZero(t *testing.T) {
	f := NewLotSize(map[int64]decimal.Decimal{
		1: decimal.NewFromInt(5),
		2: decimal.NewFromFloat(0.1),
	})

	tests := []struct {
		name       string
		instrument int64
		unit       float64
		want       float64
	}{
		{"exact multiple unchanged", 1, 15, 15},
		{"rounds down", 1, 17.5, 15},
		{"negative rounds toward zero", 1, -17.5, -15},
		{"below one lot truncates to zero", 1, 4.9, 0},
		{"fractional lot", 2, 0.37, 0.3},
		{"unconfigured instrument passes through", 99, 7.25, 7.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Quantize(tt.instrument, decimal.NewFromFloat(tt.unit))
			assert.True(t, got.Equal(decimal.NewFromFloat(tt.want)),
				"got %s want %v", got, tt.want)
		})
	}
}
