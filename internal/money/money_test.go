package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

func TestQuantize(t *testing.T) {
	tests := []struct {
		in        string
		precision int32
		want      string
	}{
		{"100.004", 2, "100"},
		{"100.005", 2, "100.01"},
		{"-100.005", 2, "-100.01"},
		{"-100.004", 2, "-100"},
		{"0.5", 0, "1"},
		{"-0.5", 0, "-1"},
		{"1.23456789", 8, "1.23456789"},
		{"1.234567895", 8, "1.2345679"},
		{"0.004", 2, "0"},
		{"12345678901234567890.125", 2, "12345678901234567890.13"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Quantize(decimal.RequireFromString(tt.in), tt.precision)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
			assert.True(t, IsQuantized(got, tt.precision))
		})
	}
}

func TestIsQuantized(t *testing.T) {
	assert.True(t, IsQuantized(decimal.RequireFromString("60.00"), 2))
	assert.False(t, IsQuantized(decimal.RequireFromString("60.001"), 2))
	assert.True(t, IsQuantized(decimal.RequireFromString("60.001"), 3))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "100.00", Format(decimal.NewFromInt(100), 2))
	assert.Equal(t, "-420.00", Format(decimal.RequireFromString("-420"), 2))
	assert.Equal(t, "3", Format(decimal.RequireFromString("2.5"), 0))
}

func TestValidatePrecision(t *testing.T) {
	for p := int32(0); p <= 8; p++ {
		require.NoError(t, ValidatePrecision(p))
	}
	assert.ErrorIs(t, ValidatePrecision(-1), domain.ErrInvalidPrecision)
	assert.ErrorIs(t, ValidatePrecision(9), domain.ErrInvalidPrecision)
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"usd", "USD", false},
		{"  eur ", "EUR", false},
		{"usdt", "USDT", false},
		{"рубпер", "РУБПЕР", false},
		{"", "", true},
		{"us-d", "", true},
		{"ABCDEFGHIJKLM", "", true},
		{"ABCDEFGHIJKL", "ABCDEFGHIJKL", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeCode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidCurrency)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImpliedRate(t *testing.T) {
	leg := func(code, amount string) domain.Leg {
		return domain.Leg{Currency: code, Amount: decimal.RequireFromString(amount)}
	}

	rate, err := ImpliedRate(leg("USD", "1000"), leg("EUR", "920"), "RUB")
	require.NoError(t, err)
	assert.Equal(t, "0.92", rate.String())

	// pivot on the receiving side: RUB per USD
	rate, err = ImpliedRate(leg("RUB", "95000"), leg("USD", "1000"), "RUB")
	require.NoError(t, err)
	assert.Equal(t, "95", rate.String())

	rate, err = ImpliedRate(leg("USD", "1000"), leg("RUB", "95000"), "RUB")
	require.NoError(t, err)
	assert.Equal(t, "95", rate.String())

	rate, err = ImpliedRate(leg("USD", "3"), leg("EUR", "1"), "")
	require.NoError(t, err)
	assert.Equal(t, "0.33333333", rate.String())

	_, err = ImpliedRate(leg("USD", "0"), leg("EUR", "1"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidRate)

	_, err = ImpliedRate(leg("USD", "100"), leg("EUR", "-1"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidRate)

	// positive but below display resolution
	_, err = ImpliedRate(leg("USD", "1000000000000"), leg("EUR", "0.0001"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidRate)
}
