package money

import (
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"0", 0},
		{"1", 100},
		{"375.00", 37500},
		{"0.01", 1},
		{"0.005", 1},
		{"0.004", 0},
		{"19.995", 2000},
		{"19.994", 1999},
		{"-12.345", -1235},
		{"1234567.89", 123456789},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, ToMinor(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestFromMinor(t *testing.T) {
	assert.True(t, decimal.RequireFromString("400.00").Equal(FromMinor(40000)))
	assert.True(t, decimal.RequireFromString("0.01").Equal(FromMinor(1)))
	assert.True(t, decimal.RequireFromString("-0.99").Equal(FromMinor(-99)))
}

func TestMinorRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for range 1000 {
		minor := r.Int64N(100_000_000) - 50_000_000
		assert.Equal(t, minor, ToMinor(FromMinor(minor)))
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "500.00 NOK", Format(decimal.NewFromInt(500), "NOK"))
	assert.Equal(t, "0.50 EUR", Format(decimal.RequireFromString("0.5"), "EUR"))
}
