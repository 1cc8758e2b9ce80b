// Package wallet provides wallet provisioning and the balance ledger.
package wallet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridianx/exchange/internal/models"
	"github.com/meridianx/exchange/internal/store"
)

// Service provisions wallets and balances. Both operations are
// idempotent: rows are created lazily on first use and never deleted.
type Service struct {
	store store.Store
}

// NewService creates a wallet service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// FindOrCreate returns the user's wallet, creating it on first use.
func (s *Service) FindOrCreate(ctx context.Context, userID int64) (*models.Wallet, error) {
	return s.store.FindOrCreateWallet(ctx, userID)
}

// FindOrCreateBalance returns the wallet's balance row for one
// currency, creating a zero row if absent.
func (s *Service) FindOrCreateBalance(ctx context.Context, walletID int64, currency models.Currency) (*models.WalletBalance, error) {
	return s.store.FindOrCreateBalance(ctx, walletID, currency)
}

// Balances returns the wallet's balance in every supported currency.
func (s *Service) Balances(ctx context.Context, walletID int64) ([]models.WalletBalance, error) {
	out := make([]models.WalletBalance, 0, len(models.SupportedCurrencies()))
	for _, currency := range models.SupportedCurrencies() {
		b, err := s.store.FindOrCreateBalance(ctx, walletID, currency)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// ApplyDelta adds a signed amount to one (wallet, currency) balance and
// persists the result only if it stays non-negative; otherwise stored
// state is untouched and ErrInsufficientFunds is returned. Must run
// inside a unit of work: the balance row stays locked until commit, so
// concurrent read-then-writes of the same key are serialized.
func ApplyDelta(ctx context.Context, st store.Store, walletID int64, currency models.Currency, delta decimal.Decimal) (decimal.Decimal, error) {
	balance, err := st.FindOrCreateBalance(ctx, walletID, currency)
	if err != nil {
		return decimal.Decimal{}, err
	}

	next := balance.Balance.Add(delta)
	if next.IsNegative() {
		return balance.Balance, fmt.Errorf("wallet %d %s balance %s + %s: %w",
			walletID, currency, balance.Balance, delta, models.ErrInsufficientFunds)
	}
	if err := st.UpdateBalance(ctx, balance.ID, next); err != nil {
		return decimal.Decimal{}, err
	}
	return next, nil
}
