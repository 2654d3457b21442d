package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tradetracker/portfolio-engine/internal/ledger"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool              `json:"success"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Data    any               `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Code: code, Message: message, Details: details})
}

// writeLedgerError maps a service error onto its HTTP status. Storage
// failures keep their cause out of the response.
func writeLedgerError(w http.ResponseWriter, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		writeError(w, http.StatusInternalServerError, string(ledger.CodePersistenceFailure), "internal error", nil)
		return
	}
	writeError(w, statusFor(le.Code), string(le.Code), le.Message, le.Details)
}

func statusFor(code ledger.Code) int {
	switch code {
	case ledger.CodeInvalidAmount:
		return http.StatusBadRequest
	case ledger.CodePositionNotFound, ledger.CodeTransactionNotFound:
		return http.StatusNotFound
	case ledger.CodeInsufficientFunds,
		ledger.CodeInsufficientPosition,
		ledger.CodeCannotClose,
		ledger.CodeNotLastTransaction,
		ledger.CodeBoxClosed,
		ledger.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
