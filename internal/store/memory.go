package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianx/exchange/internal/models"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. A single mutex serializes units of work, and a
// snapshot of the state taken at WithinTx entry provides rollback.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
}

type memState struct {
	users        map[int64]models.User
	usersByName  map[string]int64
	wallets      map[int64]models.Wallet
	walletByUser map[int64]int64
	balances     map[int64]models.WalletBalance
	balanceByKey map[BalanceKey]int64
	transactions map[int64]models.Transaction
	orders       map[int64]models.Order
	trades       []models.Trade

	nextUserID        int64
	nextWalletID      int64
	nextBalanceID     int64
	nextTransactionID int64
	nextOrderID       int64
	nextTradeID       int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		state: &memState{
			users:        make(map[int64]models.User),
			usersByName:  make(map[string]int64),
			wallets:      make(map[int64]models.Wallet),
			walletByUser: make(map[int64]int64),
			balances:     make(map[int64]models.WalletBalance),
			balanceByKey: make(map[BalanceKey]int64),
			transactions: make(map[int64]models.Transaction),
			orders:       make(map[int64]models.Order),
		},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		users:             make(map[int64]models.User, len(st.users)),
		usersByName:       make(map[string]int64, len(st.usersByName)),
		wallets:           make(map[int64]models.Wallet, len(st.wallets)),
		walletByUser:      make(map[int64]int64, len(st.walletByUser)),
		balances:          make(map[int64]models.WalletBalance, len(st.balances)),
		balanceByKey:      make(map[BalanceKey]int64, len(st.balanceByKey)),
		transactions:      make(map[int64]models.Transaction, len(st.transactions)),
		orders:            make(map[int64]models.Order, len(st.orders)),
		trades:            append([]models.Trade(nil), st.trades...),
		nextUserID:        st.nextUserID,
		nextWalletID:      st.nextWalletID,
		nextBalanceID:     st.nextBalanceID,
		nextTransactionID: st.nextTransactionID,
		nextOrderID:       st.nextOrderID,
		nextTradeID:       st.nextTradeID,
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.usersByName {
		c.usersByName[k] = v
	}
	for k, v := range st.wallets {
		c.wallets[k] = v
	}
	for k, v := range st.walletByUser {
		c.walletByUser[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.balanceByKey {
		c.balanceByKey[k] = v
	}
	for k, v := range st.transactions {
		c.transactions[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	return c
}

// lock takes the store mutex unless an enclosing unit of work already
// holds it.
func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithinTx serializes the unit of work under the store mutex and rolls
// the state back to a snapshot if fn returns an error.
func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &MemoryStore{mu: s.mu, state: s.state, inTx: true}
	if err := fn(tx); err != nil {
		*s.state = *snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, username, passwordHash string) (*models.User, error) {
	defer s.lock()()

	if _, ok := s.state.usersByName[username]; ok {
		return nil, fmt.Errorf("user %q already exists", username)
	}
	s.state.nextUserID++
	u := models.User{
		ID:           s.state.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.state.users[u.ID] = u
	s.state.usersByName[username] = u.ID
	return &u, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	defer s.lock()()

	id, ok := s.state.usersByName[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, models.ErrNotFound)
	}
	u := s.state.users[id]
	return &u, nil
}

func (s *MemoryStore) FindOrCreateWallet(_ context.Context, userID int64) (*models.Wallet, error) {
	defer s.lock()()

	if id, ok := s.state.walletByUser[userID]; ok {
		w := s.state.wallets[id]
		return &w, nil
	}
	s.state.nextWalletID++
	w := models.Wallet{ID: s.state.nextWalletID, UserID: userID}
	s.state.wallets[w.ID] = w
	s.state.walletByUser[userID] = w.ID
	return &w, nil
}

func (s *MemoryStore) FindOrCreateBalance(_ context.Context, walletID int64, currency models.Currency) (*models.WalletBalance, error) {
	defer s.lock()()

	key := BalanceKey{WalletID: walletID, Currency: currency}
	if id, ok := s.state.balanceByKey[key]; ok {
		b := s.state.balances[id]
		return &b, nil
	}
	s.state.nextBalanceID++
	b := models.WalletBalance{
		ID:       s.state.nextBalanceID,
		WalletID: walletID,
		Currency: currency,
		Balance:  decimal.Zero,
	}
	s.state.balances[b.ID] = b
	s.state.balanceByKey[key] = b.ID
	return &b, nil
}

func (s *MemoryStore) UpdateBalance(_ context.Context, balanceID int64, amount decimal.Decimal) error {
	defer s.lock()()

	b, ok := s.state.balances[balanceID]
	if !ok {
		return fmt.Errorf("balance %d: %w", balanceID, models.ErrNotFound)
	}
	b.Balance = amount
	s.state.balances[balanceID] = b
	return nil
}

// LockBalances is a no-op: the unit-of-work mutex already serializes
// every balance access.
func (s *MemoryStore) LockBalances(context.Context, []BalanceKey) error {
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, t *models.Transaction) (*models.Transaction, error) {
	defer s.lock()()

	s.state.nextTransactionID++
	stored := *t
	stored.ID = s.state.nextTransactionID
	stored.CreatedAt = time.Now().UTC()
	s.state.transactions[stored.ID] = stored
	return &stored, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	defer s.lock()()

	t, ok := s.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, models.ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) GetTransactionForUpdate(ctx context.Context, id int64) (*models.Transaction, error) {
	return s.GetTransaction(ctx, id)
}

func (s *MemoryStore) SetTransactionStatus(_ context.Context, id int64, status models.TransactionStatus) error {
	defer s.lock()()

	t, ok := s.state.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, models.ErrNotFound)
	}
	t.Status = status
	s.state.transactions[id] = t
	return nil
}

func (s *MemoryStore) WalletTransactions(_ context.Context, walletID int64) ([]models.Transaction, error) {
	defer s.lock()()

	var out []models.Transaction
	for _, t := range s.state.transactions {
		if t.WalletID == walletID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *models.Order) (*models.Order, error) {
	defer s.lock()()

	s.state.nextOrderID++
	stored := *o
	stored.ID = s.state.nextOrderID
	stored.CreatedAt = time.Now().UTC()
	s.state.orders[stored.ID] = stored
	return &stored, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	defer s.lock()()

	o, ok := s.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *MemoryStore) UpdateOrder(_ context.Context, id int64, remaining decimal.Decimal, status models.OrderStatus) error {
	defer s.lock()()

	o, ok := s.state.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	o.RemainingAmount = remaining
	o.Status = status
	s.state.orders[id] = o
	return nil
}

func (s *MemoryStore) OpenOrdersByWallet(_ context.Context, walletID int64) ([]models.Order, error) {
	defer s.lock()()

	var out []models.Order
	for _, o := range s.state.orders {
		if o.WalletID == walletID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) MatchCandidates(_ context.Context, base, quote models.Currency, side models.OrderSide, price, amount decimal.Decimal) ([]models.Order, error) {
	defer s.lock()()

	var eligible []models.Order
	for _, o := range s.state.orders {
		if o.BaseCurrency != base || o.QuoteCurrency != quote || o.Side != side || o.Status.Terminal() {
			continue
		}
		// Resting SELLs are eligible at or below the incoming buy
		// price; resting BUYs at or above the incoming sell price.
		if side == models.Sell && o.Price.GreaterThan(price) {
			continue
		}
		if side == models.Buy && o.Price.LessThan(price) {
			continue
		}
		eligible = append(eligible, o)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.Price.Equal(b.Price) {
			if side == models.Sell {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var out []models.Order
	cumulative := decimal.Zero
	for i, o := range eligible {
		out = append(out, o)
		cumulative = cumulative.Add(o.RemainingAmount)
		if cumulative.GreaterThanOrEqual(amount) {
			// One extra order past the threshold crossing so the
			// engine always has a final partially-consumed candidate.
			if i+1 < len(eligible) {
				out = append(out, eligible[i+1])
			}
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateTrade(_ context.Context, t *models.Trade) (*models.Trade, error) {
	defer s.lock()()

	s.state.nextTradeID++
	stored := *t
	stored.ID = s.state.nextTradeID
	stored.CreatedAt = time.Now().UTC()
	s.state.trades = append(s.state.trades, stored)
	return &stored, nil
}

func (s *MemoryStore) TradesByOrder(_ context.Context, orderID int64) ([]models.Trade, error) {
	defer s.lock()()

	var out []models.Trade
	for _, t := range s.state.trades {
		if t.BuyOrderID == orderID || t.SellOrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- Test inspection helpers, not part of the Store interface ---

// AllBalances returns every balance row.
func (s *MemoryStore) AllBalances() []models.WalletBalance {
	defer s.lock()()

	out := make([]models.WalletBalance, 0, len(s.state.balances))
	for _, b := range s.state.balances {
		out = append(out, b)
	}
	return out
}

// AllTransactions returns every transaction row.
func (s *MemoryStore) AllTransactions() []models.Transaction {
	defer s.lock()()

	out := make([]models.Transaction, 0, len(s.state.transactions))
	for _, t := range s.state.transactions {
		out = append(out, t)
	}
	return out
}

// AllTrades returns every trade row.
func (s *MemoryStore) AllTrades() []models.Trade {
	defer s.lock()()

	return append([]models.Trade(nil), s.state.trades...)
}
