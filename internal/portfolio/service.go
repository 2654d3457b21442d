// Package portfolio runs the trade lifecycle on top of the ledger rules:
// every trade, reversal and cash movement is applied as one unit of work
// against the store, and read models are valued with the price oracle.
//
// All monetary values use shopspring/decimal, never float64 for money.
package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/coin"
	"github.com/tradetracker/portfolio-engine/internal/ledger"
	"github.com/tradetracker/portfolio-engine/internal/metrics"
	"github.com/tradetracker/portfolio-engine/internal/model"
	"github.com/tradetracker/portfolio-engine/internal/oracle"
	"github.com/tradetracker/portfolio-engine/internal/store"
	"github.com/tradetracker/portfolio-engine/pkg/id"
)

// DefaultFeePercent applies when a trade does not state its fee.
var DefaultFeePercent = decimal.RequireFromString("0.02")

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	Quote      string
	DefaultFee *decimal.Decimal
	Notifier   Notifier
	Now        func() time.Time
}

// Service is the transaction processor and the query side of a user's
// portfolio. Trades on the same (user, coin) are serialized in process; the
// store's unit of work guards against other instances.
type Service struct {
	store      store.Store
	prices     oracle.Oracle
	notifier   Notifier
	quote      string
	defaultFee decimal.Decimal
	now        func() time.Time
	locks      *keyedMutex
}

// NewService creates a portfolio service.
func NewService(st store.Store, prices oracle.Oracle, opts Options) *Service {
	s := &Service{
		store:      st,
		prices:     prices,
		notifier:   opts.Notifier,
		quote:      opts.Quote,
		defaultFee: DefaultFeePercent,
		now:        opts.Now,
		locks:      newKeyedMutex(),
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.quote == "" {
		s.quote = coin.DefaultQuote
	}
	if opts.DefaultFee != nil {
		s.defaultFee = *opts.DefaultFee
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// TradeRequest is a buy or sell intent.
type TradeRequest struct {
	CoinSymbol string                `json:"coin_symbol"`
	Type       model.TransactionType `json:"type"`
	Price      decimal.Decimal       `json:"price"`
	Amount     decimal.Decimal       `json:"amount"` // gross units for buys
	FeePercent *decimal.Decimal      `json:"fee_percent,omitempty"`
	Date       *time.Time            `json:"transaction_date,omitempty"`
}

// Direction selects the cash movement of ModifyCash.
type Direction string

const (
	Deposit  Direction = "deposit"
	Withdraw Direction = "withdraw"
)

// CreateTransaction validates req and applies it as one unit: cash, position,
// transaction record and balance snapshot commit together or not at all.
func (s *Service) CreateTransaction(ctx context.Context, userID string, req TradeRequest) (*model.Transaction, error) {
	start := time.Now()

	if !req.Type.Valid() {
		return nil, s.reject(ledger.InvalidAmount("type", "must be buy or sell"))
	}
	sym, err := coin.ParseTradable(req.CoinSymbol, s.quote)
	if err != nil {
		return nil, s.reject(ledger.InvalidAmount("coin_symbol", err.Error()))
	}
	fee := s.defaultFee
	if req.FeePercent != nil {
		fee = *req.FeePercent
	}
	if err := ledger.ValidateTrade(req.Price, req.Amount, fee); err != nil {
		return nil, s.reject(err)
	}

	unlock := s.locks.Lock(positionKey(userID, sym))
	defer unlock()

	now := s.clock()
	date := now
	if req.Date != nil && !req.Date.IsZero() {
		date = req.Date.UTC()
	}

	var committed model.Transaction
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		cash, err := s.lockCash(ctx, tx, userID, now)
		if err != nil {
			return err
		}

		pos, err := tx.FindOpenPosition(ctx, userID, sym)
		isNew := false
		switch {
		case errors.Is(err, store.ErrNotFound):
			if req.Type == model.Sell {
				return &ledger.Error{
					Code:    ledger.CodeInsufficientPosition,
					Message: ledger.ErrInsufficientPosition.Message,
					Details: map[string]string{"available": "0", "requested": req.Amount.String()},
				}
			}
			pos = ledger.NewPosition(uuid.New().String(), userID, sym, now)
			isNew = true
		case err != nil:
			return err
		}

		record := model.Transaction{
			ID:              id.New(now),
			UserID:          userID,
			PositionID:      pos.ID,
			CoinSymbol:      sym,
			Type:            req.Type,
			Price:           req.Price,
			FeePercent:      fee,
			TransactionDate: date,
			CreatedAt:       now,
		}

		switch req.Type {
		case model.Buy:
			if err := ledger.Withdraw(cash, ledger.BuyCost(req.Amount, req.Price), now); err != nil {
				return err
			}
			fill, err := ledger.ApplyBuy(pos, req.Amount, req.Price, fee, now)
			if err != nil {
				return err
			}
			record.Amount = fill.NetAmount
			record.Value = fill.Value
		case model.Sell:
			fill, err := ledger.ApplySell(pos, req.Amount, req.Price, fee, now)
			if err != nil {
				return err
			}
			if err := ledger.Deposit(cash, fill.NetProceeds, now); err != nil {
				return err
			}
			record.Amount = fill.Amount
			record.Value = fill.Value
			record.ProfitLossValue = &fill.ProfitLossValue
			record.ProfitLossPercentage = &fill.ProfitLossPercentage
		}

		if isNew {
			err = tx.InsertPosition(ctx, pos)
		} else {
			err = tx.UpdatePosition(ctx, pos)
		}
		if err != nil {
			return err
		}
		if err := tx.SaveCash(ctx, cash); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &record); err != nil {
			return err
		}
		if err := s.snapshot(ctx, tx, cash, now); err != nil {
			return err
		}
		committed = record
		return nil
	})
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}

	metrics.TransactionsTotal.WithLabelValues(string(req.Type)).Inc()
	metrics.TransactionLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())

	slog.Info("transaction committed",
		"id", committed.ID,
		"user", userID,
		"position", committed.PositionID,
		"coin", sym,
		"type", string(req.Type),
		"amount", committed.Amount.String(),
		"price", committed.Price.String(),
		"value", committed.Value.String(),
	)
	s.notifier.Publish(userID, Event{Type: EventTransactionCommitted, Data: committed})

	return &committed, nil
}

// DeleteTransaction reverses the most recent transaction of a position. The
// position is removed once its last transaction is gone.
func (s *Service) DeleteTransaction(ctx context.Context, userID, transactionID string) error {
	target, err := s.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && target.UserID != userID) {
		return s.reject(ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return s.reject(ledger.Persistence(err))
	}

	unlock := s.locks.Lock(positionKey(userID, target.CoinSymbol))
	defer unlock()

	now := s.clock()
	var (
		reversed        model.Transaction
		positionRemoved bool
	)
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		cash, err := s.lockCash(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		pos, err := tx.LockPosition(ctx, target.PositionID)
		if errors.Is(err, store.ErrNotFound) {
			return ledger.ErrPositionNotFound
		}
		if err != nil {
			return err
		}
		if pos.IsClosed {
			return ledger.ErrBoxClosed
		}

		last, err := tx.LastTransaction(ctx, pos.ID)
		if errors.Is(err, store.ErrNotFound) {
			return ledger.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if last.ID != target.ID {
			return &ledger.Error{
				Code:    ledger.CodeNotLastTransaction,
				Message: ledger.ErrNotLastTransaction.Message,
				Details: map[string]string{"latest_transaction_id": last.ID},
			}
		}

		switch last.Type {
		case model.Buy:
			refund, err := ledger.ReverseBuy(pos, *last, now)
			if err != nil {
				return err
			}
			if err := ledger.Deposit(cash, refund, now); err != nil {
				return err
			}
		case model.Sell:
			debit, err := ledger.ReverseSell(pos, *last, now)
			if err != nil {
				return err
			}
			if err := ledger.Withdraw(cash, debit, now); err != nil {
				return err
			}
		default:
			return ledger.ErrInvalidState
		}

		if err := tx.DeleteTransaction(ctx, last.ID); err != nil {
			return err
		}
		_, err = tx.LastTransaction(ctx, pos.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := tx.DeletePosition(ctx, pos.ID); err != nil {
				return err
			}
			positionRemoved = true
		case err != nil:
			return err
		default:
			if err := tx.UpdatePosition(ctx, pos); err != nil {
				return err
			}
		}

		if err := tx.SaveCash(ctx, cash); err != nil {
			return err
		}
		if err := s.snapshot(ctx, tx, cash, now); err != nil {
			return err
		}
		reversed = *last
		return nil
	})
	if err != nil {
		return s.reject(ledger.Persistence(err))
	}

	metrics.ReversalsTotal.WithLabelValues(string(reversed.Type)).Inc()
	slog.Info("transaction reversed",
		"id", reversed.ID,
		"user", userID,
		"position", reversed.PositionID,
		"type", string(reversed.Type),
		"position_removed", positionRemoved,
	)
	s.notifier.Publish(userID, Event{Type: EventTransactionReversed, Data: map[string]any{
		"transaction":      reversed,
		"position_removed": positionRemoved,
	}})
	return nil
}

// ModifyCash deposits or withdraws amount and returns the new balance.
func (s *Service) ModifyCash(ctx context.Context, userID string, amount decimal.Decimal, dir Direction) (*model.CashBalance, error) {
	if dir != Deposit && dir != Withdraw {
		return nil, s.reject(ledger.InvalidAmount("direction", "must be deposit or withdraw"))
	}
	if err := ledger.ValidateCash(amount); err != nil {
		return nil, s.reject(err)
	}

	now := s.clock()
	var balance model.CashBalance
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		cash, err := s.lockCash(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if dir == Deposit {
			err = ledger.Deposit(cash, amount, now)
		} else {
			err = ledger.Withdraw(cash, amount, now)
		}
		if err != nil {
			return err
		}
		if err := tx.SaveCash(ctx, cash); err != nil {
			return err
		}
		balance = *cash
		return nil
	})
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}

	slog.Info("cash modified",
		"user", userID,
		"direction", string(dir),
		"amount", amount.String(),
		"balance", balance.AvailableCash.String(),
	)
	s.notifier.Publish(userID, Event{Type: EventCashModified, Data: balance})
	return &balance, nil
}

// ClosePosition closes an empty position. It stays listed as closed and a
// later trade on the same coin opens a new one.
func (s *Service) ClosePosition(ctx context.Context, userID, positionID string) (*model.Position, error) {
	current, err := s.store.GetPosition(ctx, positionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && current.UserID != userID) {
		return nil, s.reject(ledger.ErrPositionNotFound)
	}
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}

	unlock := s.locks.Lock(positionKey(userID, current.CoinSymbol))
	defer unlock()

	now := s.clock()
	var closed model.Position
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		pos, err := tx.LockPosition(ctx, positionID)
		if errors.Is(err, store.ErrNotFound) {
			return ledger.ErrPositionNotFound
		}
		if err != nil {
			return err
		}
		if err := ledger.Close(pos, now); err != nil {
			return err
		}
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		closed = *pos
		return nil
	})
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}

	slog.Info("position closed", "user", userID, "position", positionID, "coin", closed.CoinSymbol)
	s.notifier.Publish(userID, Event{Type: EventPositionClosed, Data: closed})
	return &closed, nil
}

// lockCash locks the user's cash ledger, recording the opening zero snapshot
// when the ledger is created by this unit.
func (s *Service) lockCash(ctx context.Context, tx store.Tx, userID string, now time.Time) (*model.CashBalance, error) {
	cash, created, err := tx.LockCash(ctx, userID)
	if err != nil {
		return nil, err
	}
	if created {
		cash.AvailableCash = decimal.Zero
		cash.UpdatedAt = now
		opening := ledger.Snapshot(id.New(now), *cash, nil, now)
		if err := tx.AppendSnapshot(ctx, &opening); err != nil {
			return nil, err
		}
	}
	return cash, nil
}

// snapshot appends the post-trade balance snapshot.
func (s *Service) snapshot(ctx context.Context, tx store.Tx, cash *model.CashBalance, now time.Time) error {
	open, err := tx.ListOpenPositions(ctx, cash.UserID)
	if err != nil {
		return err
	}
	snap := ledger.Snapshot(id.New(now), *cash, open, now)
	return tx.AppendSnapshot(ctx, &snap)
}

// reject counts a failed operation by its code and passes err through.
func (s *Service) reject(err error) error {
	code := ledger.CodeOf(err)
	if code == "" {
		code = ledger.CodePersistenceFailure
	}
	metrics.TransactionRejections.WithLabelValues(string(code)).Inc()
	if code == ledger.CodePersistenceFailure {
		slog.Error("portfolio operation failed", "error", err)
	}
	return err
}

// clock returns the current time at the precision the stores keep.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
