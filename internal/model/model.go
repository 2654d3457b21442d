// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction of a trade.
type TransactionType string

const (
	Buy  TransactionType = "buy"
	Sell TransactionType = "sell"
)

// Valid reports whether t is a known trade direction.
func (t TransactionType) Valid() bool {
	return t == Buy || t == Sell
}

// CashBalance is a user's free cash, denominated in the quote asset.
// There is exactly one per user; it is created lazily on first access.
type CashBalance struct {
	UserID        string          `json:"user_id" db:"user_id"`
	AvailableCash decimal.Decimal `json:"available_cash" db:"available_cash"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Position (a "box") aggregates every buy and sell a user made on one coin,
// tracked at weighted-average cost. At most one open position exists per
// (user, coin); closed positions are kept for history.
type Position struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	CoinSymbol       string          `json:"coin_symbol" db:"coin_symbol"`
	TotalAmount      decimal.Decimal `json:"total_amount" db:"total_amount"`
	TotalBuyAmount   decimal.Decimal `json:"total_buy_amount" db:"total_buy_amount"`
	TotalSellAmount  decimal.Decimal `json:"total_sell_amount" db:"total_sell_amount"`
	TotalBuyValue    decimal.Decimal `json:"total_buy_value" db:"total_buy_value"`
	TotalSellValue   decimal.Decimal `json:"total_sell_value" db:"total_sell_value"`
	AverageBuyPrice  decimal.Decimal `json:"average_buy_price" db:"average_buy_price"`
	AverageSellPrice decimal.Decimal `json:"average_sell_price" db:"average_sell_price"`
	IsClosed         bool            `json:"is_closed" db:"is_closed"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is the committed record of one trade against a position.
// It is never modified; the latest one on a position may be reversed,
// which deletes it.
type Transaction struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	PositionID string          `json:"position_id" db:"position_id"`
	CoinSymbol string          `json:"coin_symbol" db:"coin_symbol"`
	Type       TransactionType `json:"type" db:"type"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Amount     decimal.Decimal `json:"amount" db:"amount"` // post-fee for buys
	Value      decimal.Decimal `json:"value" db:"value"`   // amount * price
	FeePercent decimal.Decimal `json:"fee_percent" db:"fee_percent"`

	// Realized P&L, set for sells only.
	ProfitLossValue      *decimal.Decimal `json:"profit_loss_value" db:"profit_loss_value"`
	ProfitLossPercentage *decimal.Decimal `json:"profit_loss_percentage" db:"profit_loss_percentage"`

	TransactionDate time.Time `json:"transaction_date" db:"transaction_date"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// After reports whether t was created after o. Creation time decides, the
// time-sortable ID breaks ties.
func (t Transaction) After(o Transaction) bool {
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.After(o.CreatedAt)
	}
	return t.ID > o.ID
}

// BalanceSnapshot is an immutable point-in-time record of a user's wealth,
// with holdings valued at cost. Snapshots are append-only.
type BalanceSnapshot struct {
	ID                  string          `json:"id" db:"id"`
	UserID              string          `json:"user_id" db:"user_id"`
	CashBalance         decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	PositionValueAtCost decimal.Decimal `json:"position_value_at_cost" db:"position_value_at_cost"`
	Total               decimal.Decimal `json:"total" db:"total"`
	Timestamp           time.Time       `json:"timestamp" db:"timestamp"`
}

// BalanceView is the user's cash plus the market value of open holdings.
type BalanceView struct {
	AvailableCash decimal.Decimal `json:"available_cash"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	Total         decimal.Decimal `json:"total"`
}

// PositionView is a position enriched with the current market price.
// P&L fields are nil when no price could be resolved.
type PositionView struct {
	Position
	CurrentPrice         decimal.Decimal  `json:"current_price"`
	Value                decimal.Decimal  `json:"value"` // amount*price + sell value
	ProfitLossValue      *decimal.Decimal `json:"profit_loss_value"`
	ProfitLossPercentage *decimal.Decimal `json:"profit_loss_percentage"`
	AgeDays              int              `json:"age_days"`
}

// TransactionView is a transaction as listed under its position. For buys the
// percentage is the move of the current price against the buy price; for
// sells it is the stored realized percentage.
type TransactionView struct {
	Transaction
	CurrentProfitLossPercentage *decimal.Decimal `json:"current_profit_loss_percentage"`
}

// ProfitLossSummary aggregates realized and unrealized P&L across every
// position a user ever held.
type ProfitLossSummary struct {
	RealizedProfitLoss             decimal.Decimal `json:"realized_profit_loss"`
	RealizedProfitLossPercentage   decimal.Decimal `json:"realized_profit_loss_percentage"`
	UnrealizedProfitLoss           decimal.Decimal `json:"unrealized_profit_loss"`
	UnrealizedProfitLossPercentage decimal.Decimal `json:"unrealized_profit_loss_percentage"`
	TotalProfitLoss                decimal.Decimal `json:"total_profit_loss"`
	TotalProfitLossPercentage      decimal.Decimal `json:"total_profit_loss_percentage"`
}
