// Package exchange implements the order-matching and settlement engine.
//
// An incoming limit order reserves its funds with a spot-deposit, is
// persisted OPEN, and is then matched against resting counter-orders in
// price-time priority. Every fill settles both legs at the resting
// order's price and records an immutable trade. All of this happens in
// one atomic unit of work: either the whole matching pass commits or
// none of it does.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridianx/exchange/internal/metrics"
	"github.com/meridianx/exchange/internal/models"
	"github.com/meridianx/exchange/internal/store"
	"github.com/meridianx/exchange/internal/transaction"
)

// Engine matches incoming orders against the persisted book. It holds
// no in-memory book state: correctness depends on re-reading current
// rows inside each unit of work.
type Engine struct {
	store store.Store
	log   *slog.Logger
}

// NewEngine creates a matching engine.
func NewEngine(st store.Store, log *slog.Logger) *Engine {
	return &Engine{store: st, log: log}
}

// OpenOrder validates and opens a limit order, runs one matching pass,
// and returns the order's final status: OPEN if nothing matched,
// PARTIALLY_FULFILLED, or FULFILLED. A reservation the wallet cannot
// cover aborts the whole attempt with ErrInsufficientFunds and leaves
// no order row behind.
func (e *Engine) OpenOrder(ctx context.Context, walletID int64, base, quote models.Currency, amount, price decimal.Decimal, side models.OrderSide) (models.OrderStatus, error) {
	if base == quote {
		metrics.OrdersRejected.WithLabelValues("same_currency").Inc()
		return "", fmt.Errorf("base and quote currency are both %s: %w", base, models.ErrInvalidAmount)
	}
	amount = models.RoundAmount(amount)
	price = models.RoundAmount(price)
	if !amount.IsPositive() || !price.IsPositive() {
		metrics.OrdersRejected.WithLabelValues("non_positive").Inc()
		return "", fmt.Errorf("amount %s and price %s must be positive: %w", amount, price, models.ErrInvalidAmount)
	}

	var status models.OrderStatus
	err := e.store.WithinTx(ctx, func(tx store.Store) error {
		reservation, err := e.reserve(ctx, tx, walletID, base, quote, amount, price, side)
		if err != nil {
			return err
		}

		order, err := tx.CreateOrder(ctx, &models.Order{
			WalletID:                 walletID,
			Side:                     side,
			BaseCurrency:             base,
			QuoteCurrency:            quote,
			OriginalAmount:           amount,
			RemainingAmount:          amount,
			Price:                    price,
			Status:                   models.OrderOpen,
			SpotDepositTransactionID: reservation.ID,
		})
		if err != nil {
			return err
		}

		if err := e.match(ctx, tx, order); err != nil {
			return err
		}

		final, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		status = final.Status
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
		}
		return "", err
	}

	metrics.OrdersOpened.WithLabelValues(string(side), string(status)).Inc()
	e.log.Info("order opened",
		"wallet_id", walletID,
		"side", side,
		"pair", pair(base, quote),
		"amount", amount.String(),
		"price", price.String(),
		"status", status,
	)
	return status, nil
}

// reserve locks the order's funds with an immediately processed
// spot-deposit: a BUY reserves amount x price in base currency, a SELL
// reserves amount in quote currency.
func (e *Engine) reserve(ctx context.Context, tx store.Store, walletID int64, base, quote models.Currency, amount, price decimal.Decimal, side models.OrderSide) (*models.Transaction, error) {
	currency, reserved := quote, amount
	if side == models.Buy {
		currency, reserved = base, models.RoundAmount(amount.Mul(price))
	}

	reservation, err := transaction.CreateAndProcessIn(ctx, tx, walletID, currency, reserved, models.SpotDeposit)
	if err != nil {
		return nil, err
	}
	if reservation.Status == models.TransactionFail {
		return nil, fmt.Errorf("reserve %s %s for wallet %d: %w", reserved, currency, walletID, models.ErrInsufficientFunds)
	}
	return reservation, nil
}

// match consumes candidates strictly in the priority order returned by
// the candidate-selection query. Reordering would change settlement
// amounts.
func (e *Engine) match(ctx context.Context, tx store.Store, order *models.Order) error {
	candidates, err := tx.MatchCandidates(ctx,
		order.BaseCurrency, order.QuoteCurrency, order.Side.Opposite(),
		order.Price, order.RemainingAmount)
	if err != nil {
		return err
	}

	for i := range candidates {
		if !order.RemainingAmount.IsPositive() {
			break
		}
		if err := e.fill(ctx, tx, order, &candidates[i]); err != nil {
			return err
		}
		if order.Status == models.OrderFulfilled {
			break
		}
	}
	return nil
}

// fill executes one fill of min(incoming.remaining, candidate.remaining)
// between the incoming order and one resting candidate: updates both
// orders, settles both legs at the candidate's price, and records the
// trade.
func (e *Engine) fill(ctx context.Context, tx store.Store, order, candidate *models.Order) error {
	fillAmount := decimal.Min(order.RemainingAmount, candidate.RemainingAmount)
	if !fillAmount.IsPositive() {
		return fmt.Errorf("%w: fill of %s between orders %d and %d",
			models.ErrInvariant, fillAmount, order.ID, candidate.ID)
	}

	buyOrder, sellOrder := order, candidate
	if order.Side == models.Sell {
		buyOrder, sellOrder = candidate, order
	}

	// The resting order is the price maker: its price determines the
	// settlement amounts, never the incoming order's.
	matchPrice := candidate.Price

	// Balances are locked up front in deterministic key order so
	// overlapping matching passes cannot deadlock.
	err := tx.LockBalances(ctx, []store.BalanceKey{
		{WalletID: buyOrder.WalletID, Currency: order.BaseCurrency},
		{WalletID: sellOrder.WalletID, Currency: order.QuoteCurrency},
	})
	if err != nil {
		return err
	}

	if err := consume(ctx, tx, order, fillAmount); err != nil {
		return err
	}
	if err := consume(ctx, tx, candidate, fillAmount); err != nil {
		return err
	}

	// Settle both legs by releasing reserved funds: the buy side
	// receives the base amount, the sell side the quote proceeds at
	// the match price.
	buySettlement, err := transaction.CreateAndProcessIn(ctx, tx,
		buyOrder.WalletID, order.BaseCurrency, fillAmount, models.SpotWithdrawal)
	if err != nil {
		return err
	}
	sellSettlement, err := transaction.CreateAndProcessIn(ctx, tx,
		sellOrder.WalletID, order.QuoteCurrency, models.RoundAmount(fillAmount.Mul(matchPrice)), models.SpotWithdrawal)
	if err != nil {
		return err
	}
	if buySettlement.Status == models.TransactionFail || sellSettlement.Status == models.TransactionFail {
		return fmt.Errorf("%w: settlement failed for orders %d/%d", models.ErrInvariant, buyOrder.ID, sellOrder.ID)
	}

	if _, err := tx.CreateTrade(ctx, &models.Trade{
		BuyOrderID:        buyOrder.ID,
		SellOrderID:       sellOrder.ID,
		BuyTransactionID:  buySettlement.ID,
		SellTransactionID: sellSettlement.ID,
	}); err != nil {
		return err
	}

	p := pair(order.BaseCurrency, order.QuoteCurrency)
	metrics.TradesSettled.WithLabelValues(p).Inc()
	metrics.FillVolume.WithLabelValues(p).Add(fillAmount.InexactFloat64())
	e.log.Debug("fill settled",
		"buy_order_id", buyOrder.ID,
		"sell_order_id", sellOrder.ID,
		"amount", fillAmount.String(),
		"price", matchPrice.String(),
	)
	return nil
}

// consume subtracts a fill from an order's remaining amount and
// persists the resulting state transition.
func consume(ctx context.Context, tx store.Store, order *models.Order, fillAmount decimal.Decimal) error {
	if fillAmount.GreaterThan(order.RemainingAmount) {
		return fmt.Errorf("%w: fill %s exceeds remaining %s on order %d",
			models.ErrInvariant, fillAmount, order.RemainingAmount, order.ID)
	}
	order.RemainingAmount = order.RemainingAmount.Sub(fillAmount)
	if order.RemainingAmount.IsZero() {
		order.Status = models.OrderFulfilled
	} else {
		order.Status = models.OrderPartiallyFulfilled
	}
	return tx.UpdateOrder(ctx, order.ID, order.RemainingAmount, order.Status)
}

// CancelOrder cancels a wallet's OPEN or PARTIALLY_FULFILLED order and
// refunds the reservation recorded on its spot-deposit transaction with
// a single spot-withdrawal. Terminal orders cannot be cancelled.
func (e *Engine) CancelOrder(ctx context.Context, walletID, orderID int64) (models.OrderStatus, error) {
	err := e.store.WithinTx(ctx, func(tx store.Store) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.WalletID != walletID {
			return fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
		}
		if order.Status.Terminal() {
			return fmt.Errorf("order %d is %s: %w", orderID, order.Status, models.ErrAlreadyProcessed)
		}

		deposit, err := tx.GetTransaction(ctx, order.SpotDepositTransactionID)
		if err != nil {
			return err
		}
		refund, err := transaction.CreateAndProcessIn(ctx, tx,
			deposit.WalletID, deposit.Currency, deposit.Amount, models.SpotWithdrawal)
		if err != nil {
			return err
		}
		if refund.Status == models.TransactionFail {
			return fmt.Errorf("%w: refund failed for order %d", models.ErrInvariant, orderID)
		}

		return tx.UpdateOrder(ctx, order.ID, order.RemainingAmount, models.OrderCancelled)
	})
	if err != nil {
		return "", err
	}

	metrics.OrdersCancelled.Inc()
	e.log.Info("order cancelled", "wallet_id", walletID, "order_id", orderID)
	return models.OrderCancelled, nil
}

// OpenOrders returns the wallet's OPEN and PARTIALLY_FULFILLED orders,
// newest first.
func (e *Engine) OpenOrders(ctx context.Context, walletID int64) ([]models.Order, error) {
	return e.store.OpenOrdersByWallet(ctx, walletID)
}

// Trades returns every trade an order took part in, oldest first.
func (e *Engine) Trades(ctx context.Context, orderID int64) ([]models.Trade, error) {
	return e.store.TradesByOrder(ctx, orderID)
}

func pair(base, quote models.Currency) string {
	return string(base) + "/" + string(quote)
}
