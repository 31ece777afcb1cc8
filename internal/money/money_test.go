package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSameCurrency(t *testing.T) {
	sum, err := New(1000, "USD").Add(New(250, "USD"))
	require.NoError(t, err)
	assert.Equal(t, New(1250, "USD"), sum)
}

func TestAddCurrencyMismatch(t *testing.T) {
	_, err := New(1000, "USD").Add(New(250, "EUR"))
	require.Error(t, err)

	var mismatch *CurrencyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "USD", mismatch.Left)
	assert.Equal(t, "EUR", mismatch.Right)
}

func TestSubCurrencyMismatch(t *testing.T) {
	_, err := New(1000, "USD").Sub(New(250, "JPY"))

	var mismatch *CurrencyMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestZeroValueIsAdditiveIdentity(t *testing.T) {
	sum, err := Money{}.Add(New(500, "EUR"))
	require.NoError(t, err)
	assert.Equal(t, New(500, "EUR"), sum)
}

func TestMulInt(t *testing.T) {
	assert.Equal(t, New(1500, "USD"), New(500, "USD").MulInt(3))
}

func TestMulDecimalRoundsHalfUp(t *testing.T) {
	// 101 * 0.5 = 50.5 -> 51
	half := decimal.NewFromFloat(0.5)
	assert.Equal(t, int64(51), New(101, "USD").MulDecimal(half).Amount)

	// 100 * 0.5 = 50, exact
	assert.Equal(t, int64(50), New(100, "USD").MulDecimal(half).Amount)

	// exchange-rate style scaling: 2100 * 0.8573 = 1800.33 -> 1800
	rate := decimal.NewFromFloat(0.8573)
	assert.Equal(t, int64(1800), New(2100, "USD").MulDecimal(rate).Amount)
}

func TestCmp(t *testing.T) {
	lt, err := New(100, "USD").Cmp(New(200, "USD"))
	require.NoError(t, err)
	assert.Equal(t, -1, lt)

	eq, err := New(200, "USD").Cmp(New(200, "USD"))
	require.NoError(t, err)
	assert.Equal(t, 0, eq)

	_, err = New(100, "USD").Cmp(New(100, "GBP"))
	require.Error(t, err)
}
