package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCurrency(t *testing.T) {
	for _, c := range SupportedCurrencies() {
		got, err := ParseCurrency(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	_, err := ParseCurrency("DOGE")
	assert.Error(t, err)
	_, err = ParseCurrency("usd")
	assert.Error(t, err, "currency codes are case sensitive")
}

func TestParseOrderSide(t *testing.T) {
	got, err := ParseOrderSide("BUY")
	require.NoError(t, err)
	assert.Equal(t, Buy, got)

	got, err = ParseOrderSide("SELL")
	require.NoError(t, err)
	assert.Equal(t, Sell, got)

	_, err = ParseOrderSide("HOLD")
	assert.Error(t, err)
}

func TestOppositeSide(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderOpen.Terminal())
	assert.False(t, OrderPartiallyFulfilled.Terminal())
	assert.True(t, OrderFulfilled.Terminal())
	assert.True(t, OrderCancelled.Terminal())
}

func TestRoundAmount(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"1.234567894", "1.23456789"},
		{"1.234567895", "1.2345679"},
		{"1.2", "1.2"},
		{"-1.234567895", "-1.2345679"},
	}
	for _, tc := range cases {
		got := RoundAmount(decimal.RequireFromString(tc.in))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "%s -> %s, want %s", tc.in, got, tc.want)
	}
}

func TestSignedEffect(t *testing.T) {
	amount := decimal.RequireFromString("10")
	cases := []struct {
		typ  TransactionType
		want string
	}{
		{Deposit, "10"},
		{SpotWithdrawal, "10"},
		{Withdrawal, "-10"},
		{SpotDeposit, "-10"},
	}
	for _, tc := range cases {
		tx := &Transaction{Type: tc.typ, Amount: amount}
		got, err := tx.SignedEffect()
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "%s: got %s", tc.typ, got)
	}

	tx := &Transaction{Type: "BOGUS", Amount: amount}
	_, err := tx.SignedEffect()
	assert.ErrorIs(t, err, ErrInvariant)
}
