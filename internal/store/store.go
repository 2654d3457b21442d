// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every mutation goes through WithinTx
// so that cash, positions, transactions and snapshots change together or
// not at all.
type Store interface {
	Reader

	// WithinTx runs fn as one unit of work. If fn returns an error, every
	// write made through tx is discarded and the error is returned as is.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader exposes the read-only queries used by reporting endpoints.
type Reader interface {
	// GetCash returns the user's cash ledger, or ErrNotFound if it was
	// never created.
	GetCash(ctx context.Context, userID string) (*model.CashBalance, error)

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns the user's positions. A nil closed returns
	// all of them.
	ListPositions(ctx context.Context, userID string, closed *bool) ([]model.Position, error)

	// GetTransaction retrieves a transaction by its ID.
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// ListTransactions returns a position's transactions, oldest first.
	ListTransactions(ctx context.Context, positionID string) ([]model.Transaction, error)

	// ListSnapshots returns the user's balance history, newest first.
	ListSnapshots(ctx context.Context, userID string) ([]model.BalanceSnapshot, error)
}

// Tx is the write side of a unit of work. Reads through Tx observe the
// writes already made in the same unit.
type Tx interface {
	// LockCash returns the user's cash ledger, creating an empty one if
	// needed, and holds it against concurrent units until commit.
	LockCash(ctx context.Context, userID string) (cash *model.CashBalance, created bool, err error)

	// SaveCash persists a cash ledger obtained from LockCash.
	SaveCash(ctx context.Context, cash *model.CashBalance) error

	// FindOpenPosition returns the user's open position on coin, or
	// ErrNotFound.
	FindOpenPosition(ctx context.Context, userID, coin string) (*model.Position, error)

	// LockPosition returns a position by ID and holds it until commit.
	LockPosition(ctx context.Context, id string) (*model.Position, error)

	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, id string) error

	// ListOpenPositions returns the user's open positions as seen by
	// this unit of work.
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	InsertTransaction(ctx context.Context, t *model.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error

	// LastTransaction returns the most recently created transaction on a
	// position, or ErrNotFound when it has none.
	LastTransaction(ctx context.Context, positionID string) (*model.Transaction, error)

	// AppendSnapshot adds a balance snapshot. Snapshots are never updated
	// or deleted.
	AppendSnapshot(ctx context.Context, s *model.BalanceSnapshot) error
}
