package fees

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
)

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultSchedule() Schedule {
	return Schedule{PlatformPct: pct("5"), ProcessingPct: pct("3")}
}

func TestCalculateCheckoutScenario(t *testing.T) {
	unit := decimal.RequireFromString("10.00")
	subtotal := unit.Mul(decimal.NewFromInt(3))

	b, err := Calculate(subtotal, "USD", defaultSchedule())
	require.NoError(t, err)

	assert.Equal(t, "30.00", b.Total.StringFixed(2))
	assert.Equal(t, "1.50", b.PlatformFee.StringFixed(2))
	assert.Equal(t, "0.90", b.ProcessingFee.StringFixed(2))
	assert.Equal(t, "27.60", b.SellerAmount.StringFixed(2))
}

func TestCalculateRoundsHalfEven(t *testing.T) {
	tests := []struct {
		name         string
		subtotal     string
		schedule     Schedule
		wantPlatform string
	}{
		// 0.125 -> 0.12 (2 is even), 0.135 -> 0.14
		{"half down to even", "2.50", Schedule{PlatformPct: pct("5")}, "0.12"},
		{"half up to even", "2.70", Schedule{PlatformPct: pct("5")}, "0.14"},
		{"no rounding", "10.00", Schedule{PlatformPct: pct("5")}, "0.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Calculate(decimal.RequireFromString(tt.subtotal), "USD", tt.schedule)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlatform, b.PlatformFee.StringFixed(2))
		})
	}
}

func TestCalculateZeroDecimalCurrency(t *testing.T) {
	b, err := Calculate(decimal.NewFromInt(1999), "JPY", defaultSchedule())
	require.NoError(t, err)

	assert.True(t, b.PlatformFee.Equal(decimal.NewFromInt(100)), "1999 * 5%% = 99.95 -> 100")
	assert.True(t, b.PlatformFee.Add(b.ProcessingFee).Add(b.SellerAmount).Equal(b.Total))
	assert.True(t, b.SellerAmount.Equal(b.SellerAmount.Round(0)))
	assert.Equal(t, "60", b.ProcessingFee.String())
}

func TestCalculateRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		subtotal string
		currency string
		schedule Schedule
	}{
		{"negative subtotal", "-1.00", "USD", defaultSchedule()},
		{"too precise", "10.005", "USD", defaultSchedule()},
		{"unknown currency", "10.00", "XXX", defaultSchedule()},
		{"percentage over 100", "10.00", "USD", Schedule{PlatformPct: pct("101")}},
		{"negative fixed fee", "10.00", "USD", Schedule{ProcessingFixed: pct("-0.30")}},
		{"fees exceed subtotal", "0.20", "USD", Schedule{PlatformPct: pct("5"), ProcessingFixed: pct("0.30")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(decimal.RequireFromString(tt.subtotal), tt.currency, tt.schedule)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
}

func TestCalculateSumIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		cents := rng.Int63n(10_000_000)
		subtotal := decimal.New(cents, -2)
		schedule := Schedule{
			PlatformPct:   decimal.New(rng.Int63n(2000), -2), // 0..19.99%
			ProcessingPct: decimal.New(rng.Int63n(1000), -2), // 0..9.99%
		}

		b, err := Calculate(subtotal, "EUR", schedule)
		require.NoError(t, err)

		sum := b.PlatformFee.Add(b.ProcessingFee).Add(b.SellerAmount)
		require.Truef(t, sum.Equal(b.Total), "subtotal=%s schedule=%+v sum=%s", subtotal, schedule, sum)
		require.False(t, b.SellerAmount.IsNegative())
		require.False(t, b.ProcessingFee.IsNegative())
		require.True(t, b.ProcessingFee.Equal(b.ProcessingFee.Round(2)))
	}
}

func TestCalculateNegativeRemainderComesFromSeller(t *testing.T) {
	// 0.015 rounds to 0.02 for both the platform fee and the seller share.
	b, err := Calculate(decimal.RequireFromString("0.03"), "USD", Schedule{PlatformPct: pct("50")})
	require.NoError(t, err)

	assert.Equal(t, "0.02", b.PlatformFee.StringFixed(2))
	assert.Equal(t, "0.00", b.ProcessingFee.StringFixed(2))
	assert.Equal(t, "0.01", b.SellerAmount.StringFixed(2))
}
