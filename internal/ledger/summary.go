package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

// Summarize computes realized P&L over closed positions, unrealized P&L over
// open ones valued at prices, and their total. A coin missing from prices is
// valued at zero but its cost basis still counts. Percentages are relative to
// the buy value of the same set of positions, zero when that is zero.
func Summarize(positions []model.Position, prices map[string]decimal.Decimal) model.ProfitLossSummary {
	realized, closedBuy := decimal.Zero, decimal.Zero
	unrealized, openBuy := decimal.Zero, decimal.Zero

	for _, p := range positions {
		if p.IsClosed {
			realized = realized.Add(p.TotalSellValue.Sub(p.TotalBuyValue))
			closedBuy = closedBuy.Add(p.TotalBuyValue)
			continue
		}
		unrealized = unrealized.Add(MarketValue(p, prices[p.CoinSymbol]).Sub(p.TotalBuyValue))
		openBuy = openBuy.Add(p.TotalBuyValue)
	}

	total := realized.Add(unrealized)
	return model.ProfitLossSummary{
		RealizedProfitLoss:             realized,
		RealizedProfitLossPercentage:   percentOf(realized, closedBuy),
		UnrealizedProfitLoss:           unrealized,
		UnrealizedProfitLossPercentage: percentOf(unrealized, openBuy),
		TotalProfitLoss:                total,
		TotalProfitLossPercentage:      percentOf(total, closedBuy.Add(openBuy)),
	}
}

// MarketValue is what the position is worth at price, counting what was
// already sold: amount × price + total sell value.
func MarketValue(p model.Position, price decimal.Decimal) decimal.Decimal {
	return p.TotalAmount.Mul(price).Add(p.TotalSellValue)
}

// View enriches p with its market valuation. P&L of an open position is left
// nil when the price is unknown (zero); a closed one holds nothing, so its
// P&L is the realized figure whatever the price.
func View(p model.Position, price decimal.Decimal, firstTrade, lastTrade time.Time, now time.Time) model.PositionView {
	v := model.PositionView{
		Position:     p,
		CurrentPrice: price,
		Value:        MarketValue(p, price),
		AgeDays:      ageDays(p.IsClosed, firstTrade, lastTrade, now),
	}
	if p.IsClosed || price.IsPositive() {
		pl := v.Value.Sub(p.TotalBuyValue)
		pct := percentOf(pl, p.TotalBuyValue)
		v.ProfitLossValue = &pl
		v.ProfitLossPercentage = &pct
	}
	return v
}

// PriceMove is the percentage move of current against paid, nil when either
// is unknown.
func PriceMove(paid, current decimal.Decimal) *decimal.Decimal {
	if !paid.IsPositive() || !current.IsPositive() {
		return nil
	}
	pct := current.Sub(paid).Div(paid).Mul(hundred)
	return &pct
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

// ageDays counts whole days from the first trade to the last one for a
// closed position, or to now for an open one.
func ageDays(closed bool, first, last, now time.Time) int {
	if first.IsZero() {
		return 0
	}
	end := now
	if closed {
		if last.IsZero() {
			return 0
		}
		end = last
	}
	days := int(end.Sub(first).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
