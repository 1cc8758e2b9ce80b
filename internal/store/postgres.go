package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridianx/exchange/internal/models"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision; row locks (SELECT ... FOR UPDATE) back the unit-of-work
// guarantees.
type PostgresStore struct {
	pool *pgxpool.Pool // nil when transaction-bound
	q    querier
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithinTx begins a database transaction and runs fn against a
// transaction-bound store. Nested calls join the enclosing transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, models.ErrNotFound)
	}
	return fmt.Errorf("get %s %v: %w", what, id, err)
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	u := &models.User{}
	err := s.q.QueryRow(ctx,
		`INSERT INTO users (username, password_hash)
		 VALUES ($1, $2)
		 RETURNING id, username, password_hash, created_at`,
		username, passwordHash,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u := &models.User{}
	err := s.q.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", username)
	}
	return u, nil
}

func (s *PostgresStore) FindOrCreateWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	if _, err := s.q.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	w := &models.Wallet{}
	err := s.q.QueryRow(ctx,
		`SELECT id, user_id FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&w.ID, &w.UserID)
	if err != nil {
		return nil, notFound(err, "wallet for user", userID)
	}
	return w, nil
}

func (s *PostgresStore) FindOrCreateBalance(ctx context.Context, walletID int64, currency models.Currency) (*models.WalletBalance, error) {
	if _, err := s.q.Exec(ctx,
		`INSERT INTO wallet_balances (wallet_id, currency, balance)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (wallet_id, currency) DO NOTHING`,
		walletID, currency,
	); err != nil {
		return nil, fmt.Errorf("create balance: %w", err)
	}

	b := &models.WalletBalance{}
	var balance string
	err := s.q.QueryRow(ctx,
		`SELECT id, wallet_id, currency, balance::TEXT
		 FROM wallet_balances
		 WHERE wallet_id = $1 AND currency = $2
		 FOR UPDATE`,
		walletID, currency,
	).Scan(&b.ID, &b.WalletID, &b.Currency, &balance)
	if err != nil {
		return nil, notFound(err, "balance for wallet", walletID)
	}
	b.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBalance(ctx context.Context, balanceID int64, amount decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE wallet_balances SET balance = $2::NUMERIC WHERE id = $1`,
		balanceID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance %d: %w", balanceID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) LockBalances(ctx context.Context, keys []BalanceKey) error {
	if len(keys) == 0 {
		return nil
	}
	sorted := append([]BalanceKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].WalletID != sorted[j].WalletID {
			return sorted[i].WalletID < sorted[j].WalletID
		}
		return sorted[i].Currency < sorted[j].Currency
	})

	tuples := make([]string, 0, len(sorted))
	args := make([]any, 0, len(sorted)*2)
	for i, k := range sorted {
		tuples = append(tuples, fmt.Sprintf("($%d, $%d)", i*2+1, i*2+2))
		args = append(args, k.WalletID, k.Currency)
	}
	// Rows are locked in (wallet_id, currency) order so overlapping
	// units of work acquire them in the same sequence.
	rows, err := s.q.Query(ctx,
		`SELECT id FROM wallet_balances
		 WHERE (wallet_id, currency) IN (`+strings.Join(tuples, ", ")+`)
		 ORDER BY wallet_id, currency
		 FOR UPDATE`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("lock balances: %w", err)
	}
	rows.Close()
	return rows.Err()
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	stored := *t
	err := s.q.QueryRow(ctx,
		`INSERT INTO transactions (wallet_id, currency, type, amount, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 RETURNING id, created_at`,
		t.WalletID, t.Currency, t.Type, t.Amount.String(), t.Status,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return &stored, nil
}

const transactionColumns = `id, wallet_id, currency, type, amount::TEXT, status, created_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	var amount string
	if err := row.Scan(&t.ID, &t.WalletID, &t.Currency, &t.Type, &amount, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse transaction amount: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	t, err := scanTransaction(s.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return t, nil
}

func (s *PostgresStore) GetTransactionForUpdate(ctx context.Context, id int64) (*models.Transaction, error) {
	t, err := scanTransaction(s.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return t, nil
}

func (s *PostgresStore) SetTransactionStatus(ctx context.Context, id int64, status models.TransactionStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) WalletTransactions(ctx context.Context, walletID int64) ([]models.Transaction, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE wallet_id = $1
		 ORDER BY created_at DESC, id DESC`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const orderColumns = `id, wallet_id, side, base_currency, quote_currency,
	original_amount::TEXT, remaining_amount::TEXT, price::TEXT,
	status, created_at, spot_deposit_transaction_id`

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	var original, remaining, price string
	if err := row.Scan(
		&o.ID, &o.WalletID, &o.Side, &o.BaseCurrency, &o.QuoteCurrency,
		&original, &remaining, &price,
		&o.Status, &o.CreatedAt, &o.SpotDepositTransactionID,
	); err != nil {
		return nil, err
	}
	var err error
	if o.OriginalAmount, err = decimal.NewFromString(original); err != nil {
		return nil, fmt.Errorf("parse original amount: %w", err)
	}
	if o.RemainingAmount, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("parse remaining amount: %w", err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	stored := *o
	err := s.q.QueryRow(ctx,
		`INSERT INTO orders (wallet_id, side, base_currency, quote_currency,
		                     original_amount, remaining_amount, price, status,
		                     spot_deposit_transaction_id)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 RETURNING id, created_at`,
		o.WalletID, o.Side, o.BaseCurrency, o.QuoteCurrency,
		o.OriginalAmount.String(), o.RemainingAmount.String(), o.Price.String(),
		o.Status, o.SpotDepositTransactionID,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return &stored, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (s *PostgresStore) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, id int64, remaining decimal.Decimal, status models.OrderStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE orders SET remaining_amount = $2::NUMERIC, status = $3 WHERE id = $1`,
		id, remaining.String(), status,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) OpenOrdersByWallet(ctx context.Context, walletID int64) ([]models.Order, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE wallet_id = $1 AND status IN ('OPEN', 'PARTIALLY_FULFILLED')
		 ORDER BY created_at DESC, id DESC`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// MatchCandidates selects resting counter-orders with a windowed
// cumulative scan: the best-priced eligible orders up to and including
// the one whose cumulative remaining amount first covers the incoming
// amount, plus one more. Candidate rows are locked in priority order.
func (s *PostgresStore) MatchCandidates(ctx context.Context, base, quote models.Currency, side models.OrderSide, price, amount decimal.Decimal) ([]models.Order, error) {
	// Resting SELLs are eligible at or below the incoming buy price and
	// scanned cheapest first; resting BUYs the mirror image.
	cmp, dir := "<=", "ASC"
	if side == models.Buy {
		cmp, dir = ">=", "DESC"
	}

	query := fmt.Sprintf(`
		WITH eligible AS (
			SELECT id,
			       SUM(remaining_amount) OVER w AS cumulative,
			       ROW_NUMBER() OVER w AS rn
			FROM orders
			WHERE base_currency = $1
			  AND quote_currency = $2
			  AND side = $3
			  AND status IN ('OPEN', 'PARTIALLY_FULFILLED')
			  AND price %s $4::NUMERIC
			WINDOW w AS (ORDER BY price %s, created_at ASC, id ASC)
		)
		SELECT o.id, o.wallet_id, o.side, o.base_currency, o.quote_currency,
		       o.original_amount::TEXT, o.remaining_amount::TEXT, o.price::TEXT,
		       o.status, o.created_at, o.spot_deposit_transaction_id
		FROM orders o
		JOIN eligible e ON e.id = o.id
		WHERE e.rn <= 1 + COALESCE(
			(SELECT MIN(rn) FROM eligible WHERE cumulative >= $5::NUMERIC),
			(SELECT COUNT(*) FROM eligible))
		ORDER BY e.rn
		FOR UPDATE OF o`, cmp, dir)

	rows, err := s.q.Query(ctx, query, base, quote, side, price.String(), amount.String())
	if err != nil {
		return nil, fmt.Errorf("select match candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *models.Trade) (*models.Trade, error) {
	stored := *t
	err := s.q.QueryRow(ctx,
		`INSERT INTO trades (buy_order_id, sell_order_id, buy_transaction_id, sell_transaction_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		t.BuyOrderID, t.SellOrderID, t.BuyTransactionID, t.SellTransactionID,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}
	return &stored, nil
}

func (s *PostgresStore) TradesByOrder(ctx context.Context, orderID int64) ([]models.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, buy_order_id, sell_order_id, buy_transaction_id, sell_transaction_id, created_at
		 FROM trades
		 WHERE buy_order_id = $1 OR sell_order_id = $1
		 ORDER BY id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyTransactionID, &t.SellTransactionID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
