// Package api exposes the exchange over HTTP: wallet deposits and
// withdrawals, order submission and cancellation, and the read APIs.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/meridianx/exchange/internal/auth"
	"github.com/meridianx/exchange/internal/exchange"
	"github.com/meridianx/exchange/internal/models"
	"github.com/meridianx/exchange/internal/transaction"
	"github.com/meridianx/exchange/internal/wallet"
)

// Handler contains dependencies for the HTTP handlers.
type Handler struct {
	Wallets      *wallet.Service
	Transactions *transaction.Processor
	Exchange     *exchange.Engine
	Auth         *auth.Service
	Log          *slog.Logger
}

// NewHandler creates an API handler.
func NewHandler(wallets *wallet.Service, transactions *transaction.Processor, ex *exchange.Engine, authSvc *auth.Service, log *slog.Logger) *Handler {
	return &Handler{
		Wallets:      wallets,
		Transactions: transactions,
		Exchange:     ex,
		Auth:         authSvc,
		Log:          log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError maps domain errors to HTTP statuses without leaking
// internal details.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid amount")
	case errors.Is(err, models.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, "already processed")
	default:
		h.Log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type balanceResponse struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency models.Currency `json:"currency"`
}

type transactionResponse struct {
	Type      models.TransactionType   `json:"type"`
	Amount    decimal.Decimal          `json:"amount"`
	Currency  models.Currency          `json:"currency"`
	Status    models.TransactionStatus `json:"status"`
	CreatedAt time.Time                `json:"created_at"`
}

type orderResponse struct {
	ID              int64              `json:"id"`
	Side            models.OrderSide   `json:"side"`
	BaseCurrency    models.Currency    `json:"base_currency"`
	QuoteCurrency   models.Currency    `json:"quote_currency"`
	OriginalAmount  decimal.Decimal    `json:"original_amount"`
	RemainingAmount decimal.Decimal    `json:"remaining_amount"`
	Price           decimal.Decimal    `json:"price"`
	Status          models.OrderStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
}

func toOrderResponse(o models.Order) orderResponse {
	return orderResponse{
		ID:              o.ID,
		Side:            o.Side,
		BaseCurrency:    o.BaseCurrency,
		QuoteCurrency:   o.QuoteCurrency,
		OriginalAmount:  o.OriginalAmount,
		RemainingAmount: o.RemainingAmount,
		Price:           o.Price,
		Status:          o.Status,
		CreatedAt:       o.CreatedAt,
	}
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// walletForRequest resolves the authenticated caller's wallet.
func (h *Handler) walletForRequest(w http.ResponseWriter, r *http.Request) (*models.Wallet, bool) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	wlt, err := h.Wallets.FindOrCreate(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return nil, false
	}
	return wlt, true
}

type movementRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// movement runs a deposit or withdrawal and responds with the wallet's
// resulting balance in that currency.
func (h *Handler) movement(w http.ResponseWriter, r *http.Request, typ models.TransactionType) {
	wlt, ok := h.walletForRequest(w, r)
	if !ok {
		return
	}

	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	currency, err := models.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.Transactions.CreateAndProcess(r.Context(), wlt.ID, currency, models.RoundAmount(req.Amount), typ)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if t.Status == models.TransactionFail {
		writeError(w, http.StatusUnprocessableEntity, "insufficient funds")
		return
	}

	balance, err := h.Wallets.FindOrCreateBalance(r.Context(), wlt.ID, currency)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Amount: balance.Balance, Currency: balance.Currency})
}

// Deposit handles POST /v1/wallet/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, models.Deposit)
}

// Withdrawal handles POST /v1/wallet/withdrawal.
func (h *Handler) Withdrawal(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, models.Withdrawal)
}

// Balances handles GET /v1/wallet.
func (h *Handler) Balances(w http.ResponseWriter, r *http.Request) {
	wlt, ok := h.walletForRequest(w, r)
	if !ok {
		return
	}

	balances, err := h.Wallets.Balances(r.Context(), wlt.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]balanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceResponse{Amount: b.Balance, Currency: b.Currency})
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": out})
}

// History handles GET /v1/wallet/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	wlt, ok := h.walletForRequest(w, r)
	if !ok {
		return
	}

	history, err := h.Transactions.History(r.Context(), wlt.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(history))
	for _, t := range history {
		out = append(out, transactionResponse{
			Type:      t.Type,
			Amount:    t.Amount,
			Currency:  t.Currency,
			Status:    t.Status,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// OpenOrder handles POST /v1/exchange/order. The response carries the
// order's resulting status; a reservation the wallet cannot cover is
// reported as a rejected order.
func (h *Handler) OpenOrder(w http.ResponseWriter, r *http.Request) {
	wlt, ok := h.walletForRequest(w, r)
	if !ok {
		return
	}

	var req struct {
		BaseCurrency  string          `json:"base_currency"`
		QuoteCurrency string          `json:"quote_currency"`
		Amount        decimal.Decimal `json:"amount"`
		Price         decimal.Decimal `json:"price"`
		Side          string          `json:"side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	base, err := models.ParseCurrency(req.BaseCurrency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := models.ParseCurrency(req.QuoteCurrency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := models.ParseOrderSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.Exchange.OpenOrder(r.Context(), wlt.ID, base, quote, req.Amount, req.Price, side)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]models.OrderStatus{"status": status})
}

// OpenOrders handles GET /v1/exchange/order.
func (h *Handler) OpenOrders(w http.ResponseWriter, r *http.Request) {
	wlt, ok := h.walletForRequest(w, r)
	if !ok {
		return
	}

	orders, err := h.Exchange.OpenOrders(r.Context(), wlt.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelOrder handles DELETE /v1/exchange/order/{orderID}.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	wlt, ok := h.walletForRequest(w, r)
	if !ok {
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	status, err := h.Exchange.CancelOrder(r.Context(), wlt.ID, orderID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.OrderStatus{"status": status})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
