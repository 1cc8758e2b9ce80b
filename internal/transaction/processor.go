// Package transaction implements the PENDING → SUCCESS | FAIL
// transaction state machine over the wallet ledger.
package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridianx/exchange/internal/metrics"
	"github.com/meridianx/exchange/internal/models"
	"github.com/meridianx/exchange/internal/store"
	"github.com/meridianx/exchange/internal/wallet"
)

// Processor creates and settles ledger-affecting transactions. Each
// public method runs in its own unit of work; callers already inside
// one use the *In functions instead.
type Processor struct {
	store store.Store
}

// NewProcessor creates a transaction processor.
func NewProcessor(st store.Store) *Processor {
	return &Processor{store: st}
}

// Create persists a new PENDING transaction.
func (p *Processor) Create(ctx context.Context, walletID int64, currency models.Currency, amount decimal.Decimal, typ models.TransactionType) (*models.Transaction, error) {
	return CreateIn(ctx, p.store, walletID, currency, amount, typ)
}

// Process applies a PENDING transaction to its wallet balance and
// persists the terminal status.
func (p *Processor) Process(ctx context.Context, id int64) (*models.Transaction, error) {
	var out *models.Transaction
	err := p.store.WithinTx(ctx, func(tx store.Store) error {
		t, err := ProcessIn(ctx, tx, id)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAndProcess composes Create and Process in one unit of work.
func (p *Processor) CreateAndProcess(ctx context.Context, walletID int64, currency models.Currency, amount decimal.Decimal, typ models.TransactionType) (*models.Transaction, error) {
	var out *models.Transaction
	err := p.store.WithinTx(ctx, func(tx store.Store) error {
		t, err := CreateAndProcessIn(ctx, tx, walletID, currency, amount, typ)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns a wallet's transactions, newest first.
func (p *Processor) History(ctx context.Context, walletID int64) ([]models.Transaction, error) {
	return p.store.WalletTransactions(ctx, walletID)
}

// CreateIn persists a new PENDING transaction inside the caller's unit
// of work. The amount must be strictly positive.
func CreateIn(ctx context.Context, st store.Store, walletID int64, currency models.Currency, amount decimal.Decimal, typ models.TransactionType) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("transaction amount %s must be positive: %w", amount, models.ErrInvalidAmount)
	}
	return st.CreateTransaction(ctx, &models.Transaction{
		WalletID: walletID,
		Currency: currency,
		Type:     typ,
		Amount:   amount,
		Status:   models.TransactionPending,
	})
}

// ProcessIn settles a PENDING transaction inside the caller's unit of
// work. The transaction's signed effect is applied to the wallet
// balance; the transaction ends SUCCESS if the ledger accepted the
// change and FAIL if it would have driven the balance negative. FAIL is
// a persisted outcome, not an error: callers inspect the returned
// status.
func ProcessIn(ctx context.Context, st store.Store, id int64) (*models.Transaction, error) {
	t, err := st.GetTransactionForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TransactionPending {
		return nil, fmt.Errorf("transaction %d is %s: %w", t.ID, t.Status, models.ErrAlreadyProcessed)
	}

	delta, err := t.SignedEffect()
	if err != nil {
		return nil, err
	}

	_, err = wallet.ApplyDelta(ctx, st, t.WalletID, t.Currency, delta)
	switch {
	case err == nil:
		t.Status = models.TransactionSuccess
	case errors.Is(err, models.ErrInsufficientFunds):
		t.Status = models.TransactionFail
	default:
		return nil, err
	}

	if err := st.SetTransactionStatus(ctx, t.ID, t.Status); err != nil {
		return nil, err
	}
	metrics.TransactionsProcessed.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	return t, nil
}

// CreateAndProcessIn composes CreateIn and ProcessIn inside the
// caller's unit of work.
func CreateAndProcessIn(ctx context.Context, st store.Store, walletID int64, currency models.Currency, amount decimal.Decimal, typ models.TransactionType) (*models.Transaction, error) {
	t, err := CreateIn(ctx, st, walletID, currency, amount, typ)
	if err != nil {
		return nil, err
	}
	return ProcessIn(ctx, st, t.ID)
}
