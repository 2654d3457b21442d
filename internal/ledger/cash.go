// Package ledger holds the accounting rules of the portfolio engine: the cash
// ledger, weighted-average position math, trade reversal, balance snapshots
// and profit/loss aggregation.
//
// Every function here is pure: it validates first and mutates its arguments
// only once validation has passed, so a returned error always means nothing
// was changed. Persistence and atomicity belong to the caller.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Inputs are held to the precision amounts are stored at. Arithmetic on a
// decimal with an extreme exponent rescales to that power of ten, so these
// checks run before any comparison.
const (
	maxScale         = 18 // digits after the point
	maxIntegerDigits = 18
)

// checkRange rejects v when it has more than maxScale decimal places or more
// than maxIntegerDigits digits before the point.
func checkRange(field string, v decimal.Decimal) error {
	exp := v.Exponent()
	if exp < -maxScale {
		return InvalidAmount(field, fmt.Sprintf("must have at most %d decimal places", maxScale))
	}
	if exp > maxIntegerDigits || int64(v.NumDigits())+int64(exp) > maxIntegerDigits {
		return InvalidAmount(field, fmt.Sprintf("must be below 1e%d", maxIntegerDigits))
	}
	return nil
}

// ValidateCash checks the amount of a deposit or withdrawal request.
func ValidateCash(amount decimal.Decimal) error {
	if err := checkRange("amount", amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return InvalidAmount("amount", "must be greater than zero")
	}
	return nil
}

// NewCashBalance returns an empty ledger for userID.
func NewCashBalance(userID string, now time.Time) *model.CashBalance {
	return &model.CashBalance{UserID: userID, AvailableCash: decimal.Zero, UpdatedAt: now}
}

// Deposit credits amount to the ledger.
func Deposit(c *model.CashBalance, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return InvalidAmount("amount", "must be greater than zero")
	}
	c.AvailableCash = c.AvailableCash.Add(amount)
	c.UpdatedAt = now
	return nil
}

// Withdraw debits amount from the ledger. The balance never goes negative:
// an amount above the available cash fails with ErrInsufficientFunds and
// leaves the ledger untouched.
func Withdraw(c *model.CashBalance, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return InvalidAmount("amount", "must be greater than zero")
	}
	if c.AvailableCash.LessThan(amount) {
		return withDetails(ErrInsufficientFunds,
			"available", c.AvailableCash.String(),
			"required", amount.String(),
		)
	}
	c.AvailableCash = c.AvailableCash.Sub(amount)
	c.UpdatedAt = now
	return nil
}

// ValuedHoldings is the market value of the open positions:
// Σ amount × price(coin). A coin missing from prices contributes zero.
func ValuedHoldings(positions []model.Position, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.IsClosed {
			continue
		}
		price, ok := prices[p.CoinSymbol]
		if !ok {
			continue
		}
		total = total.Add(p.TotalAmount.Mul(price))
	}
	return total
}

// ValueAtCost is Σ amount × average buy price over the open positions.
func ValueAtCost(positions []model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.IsClosed {
			continue
		}
		total = total.Add(p.TotalAmount.Mul(p.AverageBuyPrice))
	}
	return total
}
