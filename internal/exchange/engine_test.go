package exchange

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianx/exchange/internal/models"
	"github.com/meridianx/exchange/internal/store"
	"github.com/meridianx/exchange/internal/transaction"
)

func newTestEngine() (*Engine, *store.MemoryStore, *transaction.Processor) {
	st := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(st, log), st, transaction.NewProcessor(st)
}

func newWallet(t *testing.T, st store.Store, userID int64) int64 {
	t.Helper()
	w, err := st.FindOrCreateWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.ID
}

func deposit(t *testing.T, proc *transaction.Processor, walletID int64, currency models.Currency, amount string) {
	t.Helper()
	tx, err := proc.CreateAndProcess(context.Background(), walletID, currency, decimal.RequireFromString(amount), models.Deposit)
	require.NoError(t, err)
	require.Equal(t, models.TransactionSuccess, tx.Status)
}

func balance(t *testing.T, st store.Store, walletID int64, currency models.Currency) decimal.Decimal {
	t.Helper()
	b, err := st.FindOrCreateBalance(context.Background(), walletID, currency)
	require.NoError(t, err)
	return b.Balance
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// assertLedgerConsistent checks that every balance equals the sum of
// the signed effects of its wallet's successful transactions: the
// ledger neither creates nor destroys money.
func assertLedgerConsistent(t *testing.T, st *store.MemoryStore) {
	t.Helper()

	expected := map[store.BalanceKey]decimal.Decimal{}
	for _, txn := range st.AllTransactions() {
		if txn.Status != models.TransactionSuccess {
			continue
		}
		effect, err := txn.SignedEffect()
		require.NoError(t, err)
		key := store.BalanceKey{WalletID: txn.WalletID, Currency: txn.Currency}
		expected[key] = expected[key].Add(effect)
	}
	for _, b := range st.AllBalances() {
		key := store.BalanceKey{WalletID: b.WalletID, Currency: b.Currency}
		assert.True(t, b.Balance.Equal(expected[key]),
			"wallet %d %s: balance %s, ledger sum %s", b.WalletID, b.Currency, b.Balance, expected[key])
		assert.False(t, b.Balance.IsNegative(), "wallet %d %s balance is negative", b.WalletID, b.Currency)
	}
}

func TestOpenOrderValidation(t *testing.T) {
	e, st, _ := newTestEngine()
	ctx := context.Background()
	walletID := newWallet(t, st, 1)

	_, err := e.OpenOrder(ctx, walletID, models.USD, models.USD, dec("10"), dec("5"), models.Buy)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = e.OpenOrder(ctx, walletID, models.USD, models.EUR, dec("0"), dec("5"), models.Buy)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = e.OpenOrder(ctx, walletID, models.USD, models.EUR, dec("10"), dec("-1"), models.Sell)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
}

func TestOpenOrderNoCounterOrders(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	walletID := newWallet(t, st, 1)
	deposit(t, proc, walletID, models.USD, "100")

	status, err := e.OpenOrder(ctx, walletID, models.USD, models.EUR, dec("10"), dec("5"), models.Buy)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, status)

	orders, err := e.OpenOrders(ctx, walletID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].RemainingAmount.Equal(dec("10")))

	// The buy reserved amount x price in base currency.
	assert.True(t, balance(t, st, walletID, models.USD).Equal(dec("50")))
	assertLedgerConsistent(t, st)
}

func TestOpenOrderInsufficientFundsLeavesNoOrder(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	walletID := newWallet(t, st, 1)
	deposit(t, proc, walletID, models.USD, "10")

	_, err := e.OpenOrder(ctx, walletID, models.USD, models.EUR, dec("10"), dec("5"), models.Buy)
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	orders, err := e.OpenOrders(ctx, walletID)
	require.NoError(t, err)
	assert.Empty(t, orders)

	// The aborted unit of work left only the original deposit behind.
	require.Len(t, st.AllTransactions(), 1)
	assert.True(t, balance(t, st, walletID, models.USD).Equal(dec("10")))
}

func TestExactMatchFulfillsBoth(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	walletID := newWallet(t, st, 1)
	deposit(t, proc, walletID, models.USD, "100")
	deposit(t, proc, walletID, models.EUR, "100")

	status, err := e.OpenOrder(ctx, walletID, models.USD, models.EUR, dec("10"), dec("1.10"), models.Sell)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, status)

	status, err = e.OpenOrder(ctx, walletID, models.USD, models.EUR, dec("10"), dec("1.11"), models.Buy)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFulfilled, status)

	orders, err := e.OpenOrders(ctx, walletID)
	require.NoError(t, err)
	assert.Empty(t, orders, "both orders should be terminal")

	trades := st.AllTrades()
	require.Len(t, trades, 1)

	// Settlement used the resting order's price: 10 base released to
	// the buyer, 10 x 1.10 quote to the seller.
	buyTx, err := st.GetTransaction(ctx, trades[0].BuyTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SpotWithdrawal, buyTx.Type)
	assert.Equal(t, models.USD, buyTx.Currency)
	assert.True(t, buyTx.Amount.Equal(dec("10")))

	sellTx, err := st.GetTransaction(ctx, trades[0].SellTransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.SpotWithdrawal, sellTx.Type)
	assert.Equal(t, models.EUR, sellTx.Currency)
	assert.True(t, sellTx.Amount.Equal(dec("11")))

	// SELL reserved 10 EUR and settled 11 EUR; BUY reserved 11.1 USD
	// and settled 10 USD.
	assert.True(t, balance(t, st, walletID, models.USD).Equal(dec("98.9")))
	assert.True(t, balance(t, st, walletID, models.EUR).Equal(dec("101")))
	assertLedgerConsistent(t, st)
}

func TestPartialFillOfRestingOrder(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	seller := newWallet(t, st, 1)
	buyer := newWallet(t, st, 2)
	deposit(t, proc, seller, models.EUR, "100")
	deposit(t, proc, buyer, models.USD, "100")

	status, err := e.OpenOrder(ctx, seller, models.USD, models.EUR, dec("11"), dec("1.10"), models.Sell)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, status)

	status, err = e.OpenOrder(ctx, buyer, models.USD, models.EUR, dec("10"), dec("1.11"), models.Buy)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFulfilled, status)

	sells, err := e.OpenOrders(ctx, seller)
	require.NoError(t, err)
	require.Len(t, sells, 1)
	assert.Equal(t, models.OrderPartiallyFulfilled, sells[0].Status)
	assert.True(t, sells[0].RemainingAmount.Equal(dec("1")))
	assertLedgerConsistent(t, st)
}

func TestPriceTimePriorityAcrossBookDepth(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	seller := newWallet(t, st, 1)
	buyer := newWallet(t, st, 2)
	deposit(t, proc, seller, models.EUR, "100")
	deposit(t, proc, buyer, models.USD, "100")

	prices := []string{"1.10", "1.11", "1.12", "1.13", "1.14", "1.15"}
	for _, p := range prices {
		status, err := e.OpenOrder(ctx, seller, models.USD, models.EUR, dec("10"), dec(p), models.Sell)
		require.NoError(t, err)
		require.Equal(t, models.OrderOpen, status)
	}

	status, err := e.OpenOrder(ctx, buyer, models.USD, models.EUR, dec("25"), dec("1.13"), models.Buy)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFulfilled, status)

	sells, err := e.OpenOrders(ctx, seller)
	require.NoError(t, err)
	require.Len(t, sells, 4, "two sells fulfilled, four still resting")

	remaining := map[string]string{}
	for _, o := range sells {
		remaining[o.Price.String()] = o.RemainingAmount.String()
	}
	// The two cheapest sells are gone; the third was consumed down to 5
	// and the rest are untouched.
	assert.Equal(t, map[string]string{
		"1.12": "5",
		"1.13": "10",
		"1.14": "10",
		"1.15": "10",
	}, remaining)

	require.Len(t, st.AllTrades(), 3)
	assertLedgerConsistent(t, st)
}

func TestFillsSettleAtRestingPrice(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	seller := newWallet(t, st, 1)
	buyer := newWallet(t, st, 2)
	deposit(t, proc, seller, models.EUR, "100")
	deposit(t, proc, buyer, models.USD, "100")

	_, err := e.OpenOrder(ctx, seller, models.USD, models.EUR, dec("10"), dec("1.20"), models.Sell)
	require.NoError(t, err)

	// Incoming buy at 1.50 still settles at the resting 1.20.
	status, err := e.OpenOrder(ctx, buyer, models.USD, models.EUR, dec("10"), dec("1.50"), models.Buy)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFulfilled, status)

	trades := st.AllTrades()
	require.Len(t, trades, 1)
	sellTx, err := st.GetTransaction(ctx, trades[0].SellTransactionID)
	require.NoError(t, err)
	assert.True(t, sellTx.Amount.Equal(dec("12")), "10 x 1.20, not 10 x 1.50")
	assertLedgerConsistent(t, st)
}

func TestIncomingSellMatchesRestingBuys(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	buyer := newWallet(t, st, 1)
	seller := newWallet(t, st, 2)
	deposit(t, proc, buyer, models.USD, "100")
	deposit(t, proc, seller, models.EUR, "100")

	_, err := e.OpenOrder(ctx, buyer, models.USD, models.EUR, dec("10"), dec("1.20"), models.Buy)
	require.NoError(t, err)
	_, err = e.OpenOrder(ctx, buyer, models.USD, models.EUR, dec("10"), dec("1.30"), models.Buy)
	require.NoError(t, err)

	// The incoming sell crosses only the 1.30 buy and settles there.
	status, err := e.OpenOrder(ctx, seller, models.USD, models.EUR, dec("10"), dec("1.25"), models.Sell)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFulfilled, status)

	buys, err := e.OpenOrders(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, buys, 1)
	assert.True(t, buys[0].Price.Equal(dec("1.20")), "the lower buy is untouched")

	trades := st.AllTrades()
	require.Len(t, trades, 1)
	sellTx, err := st.GetTransaction(ctx, trades[0].SellTransactionID)
	require.NoError(t, err)
	assert.True(t, sellTx.Amount.Equal(dec("13")), "10 x 1.30 resting buy price")
	assertLedgerConsistent(t, st)
}

func TestRemainingAmountNeverIncreases(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	seller := newWallet(t, st, 1)
	buyer := newWallet(t, st, 2)
	deposit(t, proc, seller, models.EUR, "100")
	deposit(t, proc, buyer, models.USD, "100")

	_, err := e.OpenOrder(ctx, seller, models.USD, models.EUR, dec("30"), dec("1.10"), models.Sell)
	require.NoError(t, err)

	sells, err := e.OpenOrders(ctx, seller)
	require.NoError(t, err)
	orderID := sells[0].ID
	last := sells[0].RemainingAmount

	for i := 0; i < 3; i++ {
		_, err = e.OpenOrder(ctx, buyer, models.USD, models.EUR, dec("8"), dec("1.10"), models.Buy)
		require.NoError(t, err)

		o, err := st.GetOrder(ctx, orderID)
		require.NoError(t, err)
		assert.True(t, o.RemainingAmount.LessThan(last), "remaining must strictly decrease on each fill")
		assert.False(t, o.RemainingAmount.IsNegative())
		assert.True(t, o.RemainingAmount.LessThanOrEqual(o.OriginalAmount))
		last = o.RemainingAmount
	}

	o, err := st.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPartiallyFulfilled, o.Status)
	assert.True(t, o.RemainingAmount.Equal(dec("6")))
	assertLedgerConsistent(t, st)
}

func TestCancelOpenOrderRefundsReservation(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	walletID := newWallet(t, st, 1)
	deposit(t, proc, walletID, models.EUR, "100")

	_, err := e.OpenOrder(ctx, walletID, models.USD, models.EUR, dec("10"), dec("1.10"), models.Sell)
	require.NoError(t, err)
	assert.True(t, balance(t, st, walletID, models.EUR).Equal(dec("90")))

	orders, err := e.OpenOrders(ctx, walletID)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	status, err := e.CancelOrder(ctx, walletID, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, status)
	assert.True(t, balance(t, st, walletID, models.EUR).Equal(dec("100")))
	assert.Empty(t, st.AllTrades())

	// Cancelling again must not refund twice.
	_, err = e.CancelOrder(ctx, walletID, orders[0].ID)
	assert.ErrorIs(t, err, models.ErrAlreadyProcessed)
	assert.True(t, balance(t, st, walletID, models.EUR).Equal(dec("100")))
	assertLedgerConsistent(t, st)
}

func TestCancelUnknownOrOtherWalletsOrder(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	owner := newWallet(t, st, 1)
	other := newWallet(t, st, 2)
	deposit(t, proc, owner, models.EUR, "100")

	_, err := e.CancelOrder(ctx, owner, 42)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = e.OpenOrder(ctx, owner, models.USD, models.EUR, dec("10"), dec("1.10"), models.Sell)
	require.NoError(t, err)
	orders, err := e.OpenOrders(ctx, owner)
	require.NoError(t, err)

	_, err = e.CancelOrder(ctx, other, orders[0].ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelledOrderIsNeverMatched(t *testing.T) {
	e, st, proc := newTestEngine()
	ctx := context.Background()
	seller := newWallet(t, st, 1)
	buyer := newWallet(t, st, 2)
	deposit(t, proc, seller, models.EUR, "100")
	deposit(t, proc, buyer, models.USD, "100")

	_, err := e.OpenOrder(ctx, seller, models.USD, models.EUR, dec("10"), dec("1.10"), models.Sell)
	require.NoError(t, err)
	sells, err := e.OpenOrders(ctx, seller)
	require.NoError(t, err)
	_, err = e.CancelOrder(ctx, seller, sells[0].ID)
	require.NoError(t, err)

	status, err := e.OpenOrder(ctx, buyer, models.USD, models.EUR, dec("10"), dec("1.11"), models.Buy)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, status)
	assert.Empty(t, st.AllTrades())
}
