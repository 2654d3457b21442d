// Package api exposes the portfolio service over HTTP and pushes committed
// changes to websocket subscribers.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/portfolio"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	svc *portfolio.Service
	hub *Hub // optional; nil disables /ws
}

// NewHandler creates the HTTP handlers.
// Pass nil for hub if WebSocket push is not needed.
func NewHandler(svc *portfolio.Service, hub *Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Routes registers every endpoint on r. All of them require a user id.
func (h *Handler) Routes(r chi.Router) {
	r.Use(RequireUser)

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/transactions", h.CreateTransaction)
	r.Delete("/transactions/{transactionID}", h.DeleteTransaction)

	r.Get("/balance", h.GetBalance)
	r.Post("/balance", h.Deposit)
	r.Delete("/balance", h.Withdraw)
	r.Get("/balance/history", h.BalanceHistory)

	r.Get("/positions", h.ListPositions)
	r.Get("/positions/{positionID}/transactions", h.ListPositionTransactions)
	r.Patch("/positions/{positionID}/close", h.ClosePosition)

	r.Get("/summary", h.Summary)
}

// maxBodyBytes caps request bodies; decimal parsing is superlinear in the
// digit count.
const maxBodyBytes = 64 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// CashRequest is the JSON body of POST and DELETE /balance.
type CashRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateTransaction handles POST /api/v1/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req portfolio.TradeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return
	}

	tr, err := h.svc.CreateTransaction(r.Context(), UserID(r.Context()), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// DeleteTransaction handles DELETE /api/v1/transactions/{transactionID}
// Only the latest transaction of a position can be reversed.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "transactionID")

	if err := h.svc.DeleteTransaction(r.Context(), UserID(r.Context()), txID); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": txID})
}

// GetBalance handles GET /api/v1/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.svc.GetBalance(r.Context(), UserID(r.Context()))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Deposit handles POST /api/v1/balance
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.modifyCash(w, r, portfolio.Deposit)
}

// Withdraw handles DELETE /api/v1/balance
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.modifyCash(w, r, portfolio.Withdraw)
}

func (h *Handler) modifyCash(w http.ResponseWriter, r *http.Request, dir portfolio.Direction) {
	var req CashRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return
	}

	bal, err := h.svc.ModifyCash(r.Context(), UserID(r.Context()), req.Amount, dir)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// BalanceHistory handles GET /api/v1/balance/history
func (h *Handler) BalanceHistory(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.svc.BalanceHistory(r.Context(), UserID(r.Context()))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// ListPositions handles GET /api/v1/positions
// Optionally filtered by ?closed=true|false.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var closed *bool
	if raw := r.URL.Query().Get("closed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "closed must be true or false", nil)
			return
		}
		closed = &v
	}

	views, err := h.svc.ListPositions(r.Context(), UserID(r.Context()), closed)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ListPositionTransactions handles GET /api/v1/positions/{positionID}/transactions
func (h *Handler) ListPositionTransactions(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	views, err := h.svc.ListPositionTransactions(r.Context(), UserID(r.Context()), positionID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ClosePosition handles PATCH /api/v1/positions/{positionID}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	pos, err := h.svc.ClosePosition(r.Context(), UserID(r.Context()), positionID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Summary handles GET /api/v1/summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Summary(r.Context(), UserID(r.Context()))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
