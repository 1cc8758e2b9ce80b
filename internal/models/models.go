// Package models defines the domain types shared across the exchange.
// All monetary values use shopspring/decimal — never float64 for money.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the fixed number of fractional digits for every amount
// and price in the system. Inputs are rounded half-up to this scale at
// the API boundary.
const AmountScale = 8

// Domain errors. Wrap with fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyProcessed  = errors.New("already processed")
	// ErrInvariant marks internal accounting violations. Correct engine
	// logic never triggers it, but the checks fail loudly instead of
	// silently clamping.
	ErrInvariant = errors.New("invariant violation")
)

// Currency is one of the assets supported by the exchange.
type Currency string

const (
	USD  Currency = "USD"
	EUR  Currency = "EUR"
	BTC  Currency = "BTC"
	ETH  Currency = "ETH"
	USDT Currency = "USDT"
)

// SupportedCurrencies lists every currency the exchange accepts, in the
// order balances are reported.
func SupportedCurrencies() []Currency {
	return []Currency{USD, EUR, BTC, ETH, USDT}
}

// ParseCurrency validates a currency code from an external request.
func ParseCurrency(s string) (Currency, error) {
	for _, c := range SupportedCurrencies() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unsupported currency %q", s)
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side an order of this side matches against.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseOrderSide validates an order side from an external request.
func ParseOrderSide(s string) (OrderSide, error) {
	switch OrderSide(s) {
	case Buy, Sell:
		return OrderSide(s), nil
	}
	return "", fmt.Errorf("invalid order side %q", s)
}

// OrderStatus is the lifecycle state of an order.
//
// OPEN → PARTIALLY_FULFILLED → FULFILLED, or → CANCELLED from either
// non-terminal state. FULFILLED and CANCELLED are terminal.
type OrderStatus string

const (
	OrderOpen               OrderStatus = "OPEN"
	OrderPartiallyFulfilled OrderStatus = "PARTIALLY_FULFILLED"
	OrderFulfilled          OrderStatus = "FULFILLED"
	OrderCancelled          OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave this status.
func (s OrderStatus) Terminal() bool {
	return s == OrderFulfilled || s == OrderCancelled
}

// TransactionType is the signed-effect kind of a ledger transaction.
// Deposit and spot-withdrawal credit a balance; withdrawal and
// spot-deposit debit it. The spot legs are internal: a spot-deposit
// reserves funds when an order opens, a spot-withdrawal releases them
// on fill or cancellation.
type TransactionType string

const (
	Deposit        TransactionType = "DEPOSIT"
	Withdrawal     TransactionType = "WITHDRAWAL"
	SpotDeposit    TransactionType = "SPOT_DEPOSIT"
	SpotWithdrawal TransactionType = "SPOT_WITHDRAWAL"
)

// TransactionStatus is the state of a transaction. PENDING transitions
// once, to SUCCESS or FAIL; both are terminal.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "PENDING"
	TransactionSuccess TransactionStatus = "SUCCESS"
	TransactionFail    TransactionStatus = "FAIL"
)

// User is a registered account holder.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet holds per-currency balances for one user. One wallet per user,
// created lazily on first use, never deleted.
type Wallet struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`
}

// WalletBalance is the amount of one currency held by one wallet.
// Invariant: Balance >= 0 at rest.
type WalletBalance struct {
	ID       int64           `json:"id"`
	WalletID int64           `json:"wallet_id"`
	Currency Currency        `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// Transaction is one signed balance movement. Amount is always a
// positive magnitude; Type determines the sign. Immutable once terminal.
type Transaction struct {
	ID        int64             `json:"id"`
	WalletID  int64             `json:"wallet_id"`
	Currency  Currency          `json:"currency"`
	Type      TransactionType   `json:"type"`
	Amount    decimal.Decimal   `json:"amount"`
	Status    TransactionStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// Order is a limit order resting on or entering the book.
// RemainingAmount is monotonically non-increasing and reaches exactly
// zero iff the order is FULFILLED. SpotDepositTransactionID references
// the transaction that reserved the order's funds.
type Order struct {
	ID                       int64           `json:"id"`
	WalletID                 int64           `json:"wallet_id"`
	Side                     OrderSide       `json:"side"`
	BaseCurrency             Currency        `json:"base_currency"`
	QuoteCurrency            Currency        `json:"quote_currency"`
	OriginalAmount           decimal.Decimal `json:"original_amount"`
	RemainingAmount          decimal.Decimal `json:"remaining_amount"`
	Price                    decimal.Decimal `json:"price"`
	Status                   OrderStatus     `json:"status"`
	CreatedAt                time.Time       `json:"created_at"`
	SpotDepositTransactionID int64           `json:"spot_deposit_transaction_id"`
}

// Trade is the immutable record of one fill: two orders and the two
// spot-withdrawal transactions that settled their legs.
type Trade struct {
	ID                int64     `json:"id"`
	BuyOrderID        int64     `json:"buy_order_id"`
	SellOrderID       int64     `json:"sell_order_id"`
	BuyTransactionID  int64     `json:"buy_transaction_id"`
	SellTransactionID int64     `json:"sell_transaction_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// RoundAmount rounds to AmountScale fractional digits, half away from
// zero. Applied to request amounts and prices at the system boundary.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountScale)
}

// SignedEffect maps a transaction to the delta it applies to its
// wallet's balance.
func (t *Transaction) SignedEffect() (decimal.Decimal, error) {
	switch t.Type {
	case Deposit, SpotWithdrawal:
		return t.Amount, nil
	case Withdrawal, SpotDeposit:
		return t.Amount.Neg(), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvariant, t.Type)
}
