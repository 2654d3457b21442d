package portfolio

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/ledger"
	"github.com/tradetracker/portfolio-engine/internal/model"
	"github.com/tradetracker/portfolio-engine/internal/store"
)

// GetBalance returns the user's cash, the market value of the open holdings
// and their sum. A user who never traded has an all-zero balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (model.BalanceView, error) {
	cash := decimal.Zero
	c, err := s.store.GetCash(ctx, userID)
	switch {
	case err == nil:
		cash = c.AvailableCash
	case !errors.Is(err, store.ErrNotFound):
		return model.BalanceView{}, s.reject(ledger.Persistence(err))
	}

	open, err := s.openPositions(ctx, userID)
	if err != nil {
		return model.BalanceView{}, err
	}
	holdings := ledger.ValuedHoldings(open, s.prices.Prices(ctx, symbols(open)))

	return model.BalanceView{
		AvailableCash: cash,
		HoldingsValue: holdings,
		Total:         cash.Add(holdings),
	}, nil
}

// ListPositions returns the user's positions valued at current prices. A nil
// closed lists every position.
func (s *Service) ListPositions(ctx context.Context, userID string, closed *bool) ([]model.PositionView, error) {
	positions, err := s.store.ListPositions(ctx, userID, closed)
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}

	var held []model.Position
	for _, p := range positions {
		if !p.IsClosed {
			held = append(held, p)
		}
	}
	prices := s.prices.Prices(ctx, symbols(held))
	now := s.clock()

	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		txs, err := s.store.ListTransactions(ctx, p.ID)
		if err != nil {
			return nil, s.reject(ledger.Persistence(err))
		}
		first, last := tradeSpan(txs)
		price := decimal.Zero
		if !p.IsClosed {
			price = prices[p.CoinSymbol]
		}
		views = append(views, ledger.View(p, price, first, last, now))
	}
	return views, nil
}

// ListPositionTransactions lists a position's transactions, oldest first.
// Buys carry the move of the current price against their price, sells the
// realized percentage recorded when they executed.
func (s *Service) ListPositionTransactions(ctx context.Context, userID, positionID string) ([]model.TransactionView, error) {
	pos, err := s.store.GetPosition(ctx, positionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && pos.UserID != userID) {
		return nil, s.reject(ledger.ErrPositionNotFound)
	}
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}

	txs, err := s.store.ListTransactions(ctx, positionID)
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}

	var current decimal.Decimal
	for _, t := range txs {
		if t.Type == model.Buy {
			current = s.prices.Price(ctx, pos.CoinSymbol)
			break
		}
	}

	views := make([]model.TransactionView, 0, len(txs))
	for _, t := range txs {
		v := model.TransactionView{Transaction: t}
		if t.Type == model.Buy {
			v.CurrentProfitLossPercentage = ledger.PriceMove(t.Price, current)
		} else {
			v.CurrentProfitLossPercentage = t.ProfitLossPercentage
		}
		views = append(views, v)
	}
	return views, nil
}

// Summary aggregates realized and unrealized P&L over every position the
// user ever held.
func (s *Service) Summary(ctx context.Context, userID string) (model.ProfitLossSummary, error) {
	positions, err := s.store.ListPositions(ctx, userID, nil)
	if err != nil {
		return model.ProfitLossSummary{}, s.reject(ledger.Persistence(err))
	}

	var held []model.Position
	for _, p := range positions {
		if !p.IsClosed {
			held = append(held, p)
		}
	}
	return ledger.Summarize(positions, s.prices.Prices(ctx, symbols(held))), nil
}

// BalanceHistory returns the user's balance snapshots, newest first.
func (s *Service) BalanceHistory(ctx context.Context, userID string) ([]model.BalanceSnapshot, error) {
	snaps, err := s.store.ListSnapshots(ctx, userID)
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}
	if snaps == nil {
		snaps = []model.BalanceSnapshot{}
	}
	return snaps, nil
}

func (s *Service) openPositions(ctx context.Context, userID string) ([]model.Position, error) {
	open := false
	positions, err := s.store.ListPositions(ctx, userID, &open)
	if err != nil {
		return nil, s.reject(ledger.Persistence(err))
	}
	return positions, nil
}

func symbols(positions []model.Position) []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.CoinSymbol)
	}
	return out
}

// tradeSpan returns the earliest and latest transaction dates.
func tradeSpan(txs []model.Transaction) (first, last time.Time) {
	for _, t := range txs {
		if first.IsZero() || t.TransactionDate.Before(first) {
			first = t.TransactionDate
		}
		if t.TransactionDate.After(last) {
			last = t.TransactionDate
		}
	}
	return first, last
}
