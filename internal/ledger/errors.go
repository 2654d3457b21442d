package ledger

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeInsufficientFunds    Code = "insufficient_funds"
	CodeInsufficientPosition Code = "insufficient_position"
	CodeInvalidAmount        Code = "invalid_amount"
	CodeInvalidState         Code = "invalid_state"
	CodePositionNotFound     Code = "position_not_found"
	CodeTransactionNotFound  Code = "transaction_not_found"
	CodeCannotClose          Code = "cannot_close"
	CodeNotLastTransaction   Code = "not_last_transaction"
	CodeBoxClosed            Code = "box_closed"
	CodePriceUnavailable     Code = "price_unavailable"
	CodePersistenceFailure   Code = "persistence_failure"
)

// Error is the single error type raised by the accounting core. Details
// carries structured context (balances, amounts) as strings so that callers
// never have to parse it out of Message.
type Error struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ledger: %s: %v", e.Message, e.cause)
	}
	return "ledger: " + e.Message
}

// Is matches on Code, so errors.Is(err, ErrInsufficientFunds) holds for any
// insufficient-funds error regardless of its details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

var (
	ErrInsufficientFunds    = &Error{Code: CodeInsufficientFunds, Message: "insufficient cash balance for this transaction"}
	ErrInsufficientPosition = &Error{Code: CodeInsufficientPosition, Message: "not enough coins to sell"}
	ErrInvalidAmount        = &Error{Code: CodeInvalidAmount, Message: "amount must be a positive number"}
	ErrInvalidState         = &Error{Code: CodeInvalidState, Message: "position is in an invalid state for this operation"}
	ErrPositionNotFound     = &Error{Code: CodePositionNotFound, Message: "there is no position with this id"}
	ErrTransactionNotFound  = &Error{Code: CodeTransactionNotFound, Message: "transaction not found"}
	ErrCannotClose          = &Error{Code: CodeCannotClose, Message: "position amount must be zero to close it"}
	ErrNotLastTransaction   = &Error{Code: CodeNotLastTransaction, Message: "only the latest transaction of a position can be deleted"}
	ErrBoxClosed            = &Error{Code: CodeBoxClosed, Message: "position is closed"}
	ErrPriceUnavailable     = &Error{Code: CodePriceUnavailable, Message: "price unavailable"}
	ErrPersistenceFailure   = &Error{Code: CodePersistenceFailure, Message: "storage failure"}
)

// withDetails returns a copy of base carrying the given key/value pairs.
func withDetails(base *Error, kv ...string) *Error {
	e := &Error{Code: base.Code, Message: base.Message, Details: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Details[kv[i]] = kv[i+1]
	}
	return e
}

// InvalidAmount reports a non-positive or otherwise unusable input field.
func InvalidAmount(field, reason string) error {
	e := withDetails(ErrInvalidAmount, "field", field, "reason", reason)
	e.Message = fmt.Sprintf("%s %s", field, reason)
	return e
}

// Persistence wraps a storage error. Domain errors pass through untouched.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Code: CodePersistenceFailure, Message: ErrPersistenceFailure.Message, cause: err}
}

// CodeOf extracts the error code, or "" for foreign errors.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}
