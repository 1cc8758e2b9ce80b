// Package store defines the persistence interface for the exchange.
// PostgreSQL is the source of truth; the in-memory implementation backs
// tests and development.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridianx/exchange/internal/models"
)

// BalanceKey identifies one (wallet, currency) balance row.
type BalanceKey struct {
	WalletID int64
	Currency models.Currency
}

// Store is the persistence interface. Methods that read-then-write must
// be called inside WithinTx so row locks are held until commit.
type Store interface {
	// WithinTx runs fn inside one atomic unit of work: every mutation
	// fn performs commits together or not at all. Calling WithinTx on a
	// transaction-bound store joins the enclosing unit of work.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	// --- Users ---

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// --- Wallets and balances ---

	// FindOrCreateWallet returns the user's wallet, creating it on
	// first use. Idempotent.
	FindOrCreateWallet(ctx context.Context, userID int64) (*models.Wallet, error)

	// FindOrCreateBalance returns the (wallet, currency) balance row,
	// creating a zero row if absent. Inside a unit of work the returned
	// row is locked for update.
	FindOrCreateBalance(ctx context.Context, walletID int64, currency models.Currency) (*models.WalletBalance, error)

	// UpdateBalance sets the stored amount of an existing balance row.
	UpdateBalance(ctx context.Context, balanceID int64, amount decimal.Decimal) error

	// LockBalances acquires exclusive locks on the given balance rows in
	// deterministic (wallet id, currency) order, so two units of work
	// touching overlapping balances cannot deadlock. Rows that do not
	// exist yet are skipped; FindOrCreateBalance serializes their creation.
	LockBalances(ctx context.Context, keys []BalanceKey) error

	// --- Transactions ---

	CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)

	// GetTransactionForUpdate locks the transaction row until the unit
	// of work ends, preventing concurrent double-processing.
	GetTransactionForUpdate(ctx context.Context, id int64) (*models.Transaction, error)

	SetTransactionStatus(ctx context.Context, id int64, status models.TransactionStatus) error

	// WalletTransactions returns a wallet's transactions, newest first.
	WalletTransactions(ctx context.Context, walletID int64) ([]models.Transaction, error)

	// --- Orders ---

	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)

	// GetOrderForUpdate locks the order row until the unit of work ends.
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)

	// UpdateOrder persists an order's remaining amount and status.
	UpdateOrder(ctx context.Context, id int64, remaining decimal.Decimal, status models.OrderStatus) error

	// OpenOrdersByWallet returns the wallet's OPEN and
	// PARTIALLY_FULFILLED orders, newest first.
	OpenOrdersByWallet(ctx context.Context, walletID int64) ([]models.Order, error)

	// MatchCandidates is the candidate-selection query. It returns
	// resting orders of the given side on the (base, quote) pair whose
	// price crosses the incoming price, ordered best price first (lowest
	// for resting SELLs, highest for resting BUYs) then earliest
	// creation time then lowest id. The result is the minimal prefix of
	// that ordering whose cumulative remaining amount reaches or exceeds
	// amount, plus exactly one more order past the crossing — or every
	// eligible order when the book is too shallow. Inside a unit of work
	// the returned rows are locked for update.
	MatchCandidates(ctx context.Context, base, quote models.Currency, side models.OrderSide, price, amount decimal.Decimal) ([]models.Order, error)

	// --- Trades ---

	CreateTrade(ctx context.Context, t *models.Trade) (*models.Trade, error)

	// TradesByOrder returns every trade an order took part in, oldest first.
	TradesByOrder(ctx context.Context, orderID int64) ([]models.Trade, error)
}
