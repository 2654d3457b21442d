package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

// BuyFill is the outcome of a buy applied to a position.
type BuyFill struct {
	NetAmount decimal.Decimal // units received after the fee
	Value     decimal.Decimal // NetAmount * price, added to the cost basis
	Cost      decimal.Decimal // gross amount * price, withdrawn from cash
}

// SellFill is the outcome of a sell applied to a position.
type SellFill struct {
	Amount               decimal.Decimal
	Value                decimal.Decimal // amount * price, before the fee
	NetProceeds          decimal.Decimal // credited to cash
	ProfitLossValue      decimal.Decimal
	ProfitLossPercentage decimal.Decimal
}

// ValidateTrade checks the numeric inputs of a trade intent.
func ValidateTrade(price, amount, feePercent decimal.Decimal) error {
	for _, in := range []struct {
		field string
		v     decimal.Decimal
	}{{"price", price}, {"amount", amount}, {"fee_percent", feePercent}} {
		if err := checkRange(in.field, in.v); err != nil {
			return err
		}
	}
	if !price.IsPositive() {
		return InvalidAmount("price", "must be greater than zero")
	}
	if !amount.IsPositive() {
		return InvalidAmount("amount", "must be greater than zero")
	}
	if feePercent.IsNegative() || feePercent.GreaterThanOrEqual(hundred) {
		return InvalidAmount("fee_percent", "must be in [0, 100)")
	}
	return nil
}

// feeMultiplier is 1 - fee/100.
func feeMultiplier(feePercent decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(feePercent.Div(hundred))
}

// NewPosition returns an empty open position.
func NewPosition(id, userID, coin string, now time.Time) *model.Position {
	return &model.Position{
		ID:         id,
		UserID:     userID,
		CoinSymbol: coin,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// BuyCost is the cash a buy of grossAmount units at price withdraws.
// The fee only reduces the units received, never the cash paid.
func BuyCost(grossAmount, price decimal.Decimal) decimal.Decimal {
	return grossAmount.Mul(price)
}

// ApplyBuy adds a buy to p. The caller must already have withdrawn
// BuyCost(grossAmount, price) from the user's cash.
func ApplyBuy(p *model.Position, grossAmount, price, feePercent decimal.Decimal, now time.Time) (BuyFill, error) {
	if err := ValidateTrade(price, grossAmount, feePercent); err != nil {
		return BuyFill{}, err
	}
	if p.IsClosed {
		return BuyFill{}, ErrBoxClosed
	}

	net := grossAmount.Mul(feeMultiplier(feePercent))
	value := net.Mul(price)

	p.TotalAmount = p.TotalAmount.Add(net)
	p.TotalBuyAmount = p.TotalBuyAmount.Add(net)
	p.TotalBuyValue = p.TotalBuyValue.Add(value)
	p.AverageBuyPrice = average(p.TotalBuyValue, p.TotalBuyAmount)
	p.UpdatedAt = now

	return BuyFill{NetAmount: net, Value: value, Cost: BuyCost(grossAmount, price)}, nil
}

// ApplySell removes amount units from p. Realized P&L is measured against
// the average buy price as it stands before this sell; no buy-side field
// is touched, so the order of reads cannot skew it.
func ApplySell(p *model.Position, amount, price, feePercent decimal.Decimal, now time.Time) (SellFill, error) {
	if err := ValidateTrade(price, amount, feePercent); err != nil {
		return SellFill{}, err
	}
	if p.IsClosed {
		return SellFill{}, ErrBoxClosed
	}
	if amount.GreaterThan(p.TotalAmount) {
		return SellFill{}, withDetails(ErrInsufficientPosition,
			"available", p.TotalAmount.String(),
			"requested", amount.String(),
		)
	}
	avgBuy := p.AverageBuyPrice
	if !avgBuy.IsPositive() {
		return SellFill{}, withDetails(ErrInvalidState, "average_buy_price", avgBuy.String())
	}

	value := amount.Mul(price)
	plPct := price.Sub(avgBuy).Div(avgBuy).Mul(hundred)
	plValue := plPct.Div(hundred).Mul(value)

	p.TotalAmount = p.TotalAmount.Sub(amount)
	p.TotalSellAmount = p.TotalSellAmount.Add(amount)
	p.TotalSellValue = p.TotalSellValue.Add(value)
	p.AverageSellPrice = average(p.TotalSellValue, p.TotalSellAmount)
	p.UpdatedAt = now

	return SellFill{
		Amount:               amount,
		Value:                value,
		NetProceeds:          value.Mul(feeMultiplier(feePercent)),
		ProfitLossValue:      plValue,
		ProfitLossPercentage: plPct,
	}, nil
}

// Close marks p closed. Only an empty position can be closed.
func Close(p *model.Position, now time.Time) error {
	if p.IsClosed {
		return ErrBoxClosed
	}
	if !p.TotalAmount.IsZero() {
		return withDetails(ErrCannotClose, "amount", p.TotalAmount.String())
	}
	p.IsClosed = true
	p.UpdatedAt = now
	return nil
}

// ReverseBuy undoes tx on p and returns the cash to re-credit:
// amount / (1 - fee/100) × price, i.e. the gross cost originally withdrawn.
func ReverseBuy(p *model.Position, tx model.Transaction, now time.Time) (decimal.Decimal, error) {
	if tx.Type != model.Buy {
		return decimal.Zero, withDetails(ErrInvalidState, "type", string(tx.Type))
	}
	if p.IsClosed {
		return decimal.Zero, ErrBoxClosed
	}
	if tx.Amount.GreaterThan(p.TotalAmount) || tx.Amount.GreaterThan(p.TotalBuyAmount) {
		return decimal.Zero, withDetails(ErrInvalidState,
			"total_amount", p.TotalAmount.String(),
			"amount", tx.Amount.String(),
		)
	}
	mult := feeMultiplier(tx.FeePercent)
	if !mult.IsPositive() {
		return decimal.Zero, withDetails(ErrInvalidState, "fee_percent", tx.FeePercent.String())
	}

	refund := tx.Amount.Div(mult).Mul(tx.Price)

	p.TotalAmount = p.TotalAmount.Sub(tx.Amount)
	p.TotalBuyAmount = p.TotalBuyAmount.Sub(tx.Amount)
	p.TotalBuyValue = p.TotalBuyValue.Sub(tx.Value)
	p.AverageBuyPrice = average(p.TotalBuyValue, p.TotalBuyAmount)
	p.UpdatedAt = now

	return refund, nil
}

// ReverseSell undoes tx on p and returns the cash to debit: the net
// proceeds the sell originally credited.
func ReverseSell(p *model.Position, tx model.Transaction, now time.Time) (decimal.Decimal, error) {
	if tx.Type != model.Sell {
		return decimal.Zero, withDetails(ErrInvalidState, "type", string(tx.Type))
	}
	if p.IsClosed {
		return decimal.Zero, ErrBoxClosed
	}
	if tx.Amount.GreaterThan(p.TotalSellAmount) {
		return decimal.Zero, withDetails(ErrInvalidState,
			"total_sell_amount", p.TotalSellAmount.String(),
			"amount", tx.Amount.String(),
		)
	}

	debit := tx.Value.Mul(feeMultiplier(tx.FeePercent))

	p.TotalAmount = p.TotalAmount.Add(tx.Amount)
	p.TotalSellAmount = p.TotalSellAmount.Sub(tx.Amount)
	p.TotalSellValue = p.TotalSellValue.Sub(tx.Value)
	p.AverageSellPrice = average(p.TotalSellValue, p.TotalSellAmount)
	p.UpdatedAt = now

	return debit, nil
}

// average is value/amount, or zero when nothing was traded.
func average(value, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	return value.Div(amount)
}
