package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func assertInvariant(t *testing.T, p *model.Position) {
	t.Helper()
	assert.True(t, p.TotalAmount.Equal(p.TotalBuyAmount.Sub(p.TotalSellAmount)),
		"total_amount %s != buy %s - sell %s", p.TotalAmount, p.TotalBuyAmount, p.TotalSellAmount)
	assert.False(t, p.TotalAmount.IsNegative(), "total_amount negative: %s", p.TotalAmount)
}

// scenarioA buys 10 BTC at 100 with a 2% fee out of a 1000 balance.
func scenarioA(t *testing.T) (*model.CashBalance, *model.Position) {
	t.Helper()
	cash := NewCashBalance("alice", now)
	require.NoError(t, Deposit(cash, d("1000"), now))

	pos := NewPosition("p1", "alice", "BTC", now)
	require.NoError(t, Withdraw(cash, BuyCost(d("10"), d("100")), now))
	fill, err := ApplyBuy(pos, d("10"), d("100"), d("2"), now)
	require.NoError(t, err)

	assertDec(t, "9.8", fill.NetAmount, "net amount")
	assertDec(t, "980", fill.Value, "buy value")
	assertDec(t, "1000", fill.Cost, "cost")
	return cash, pos
}

func TestScenarioA_BuyWithFee(t *testing.T) {
	cash, pos := scenarioA(t)

	assertDec(t, "0", cash.AvailableCash, "cash")
	assertDec(t, "9.8", pos.TotalAmount, "total amount")
	assertDec(t, "980", pos.TotalBuyValue, "total buy value")
	assertDec(t, "100", pos.AverageBuyPrice, "average buy price")
	assertInvariant(t, pos)
}

func TestScenarioB_SellRealizesProfit(t *testing.T) {
	cash, pos := scenarioA(t)

	fill, err := ApplySell(pos, d("5"), d("150"), d("0"), now)
	require.NoError(t, err)
	require.NoError(t, Deposit(cash, fill.NetProceeds, now))

	assertDec(t, "50", fill.ProfitLossPercentage, "pl pct")
	assertDec(t, "375", fill.ProfitLossValue, "pl value")
	assertDec(t, "4.8", pos.TotalAmount, "total amount")
	assertDec(t, "750", cash.AvailableCash, "cash")
	assertDec(t, "150", pos.AverageSellPrice, "average sell price")
	assertDec(t, "100", pos.AverageBuyPrice, "average buy price unchanged")
	assertInvariant(t, pos)
}

func TestScenarioC_SellMoreThanHeld(t *testing.T) {
	_, pos := scenarioA(t)
	_, err := ApplySell(pos, d("5"), d("150"), d("0"), now)
	require.NoError(t, err)

	before := *pos
	_, err = ApplySell(pos, d("100"), d("150"), d("0"), now)
	require.ErrorIs(t, err, ErrInsufficientPosition)
	assert.Equal(t, before, *pos, "rejected sell must not mutate")

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "4.8", le.Details["available"])
}

func TestScenarioD_RealizedOnly(t *testing.T) {
	closed := model.Position{CoinSymbol: "ETH", TotalBuyValue: d("500"), TotalSellValue: d("600"), IsClosed: true}

	s := Summarize([]model.Position{closed}, nil)
	assertDec(t, "100", s.RealizedProfitLoss, "realized")
	assertDec(t, "20", s.RealizedProfitLossPercentage, "realized pct")
	assertDec(t, "0", s.UnrealizedProfitLoss, "unrealized")
	assertDec(t, "0", s.UnrealizedProfitLossPercentage, "unrealized pct")
	assertDec(t, "100", s.TotalProfitLoss, "total")
	assertDec(t, "20", s.TotalProfitLossPercentage, "total pct")
}

func TestScenarioE_CloseNonZero(t *testing.T) {
	pos := &model.Position{TotalAmount: d("0.00000001")}
	err := Close(pos, now)
	require.ErrorIs(t, err, ErrCannotClose)
	assert.False(t, pos.IsClosed)
}

func TestClose(t *testing.T) {
	pos := &model.Position{}
	require.NoError(t, Close(pos, now))
	assert.True(t, pos.IsClosed)

	require.ErrorIs(t, Close(pos, now), ErrBoxClosed)

	_, err := ApplyBuy(pos, d("1"), d("1"), d("0"), now)
	require.ErrorIs(t, err, ErrBoxClosed)
}

func TestWithdraw_Insufficient(t *testing.T) {
	cash := NewCashBalance("bob", now)
	require.NoError(t, Deposit(cash, d("10"), now))

	err := Withdraw(cash, d("10.00000001"), now)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertDec(t, "10", cash.AvailableCash, "cash untouched")

	require.NoError(t, Withdraw(cash, d("10"), now))
	assertDec(t, "0", cash.AvailableCash, "cash drained")
}

func TestCash_InvalidAmount(t *testing.T) {
	cash := NewCashBalance("bob", now)
	for _, amt := range []string{"0", "-1"} {
		assert.ErrorIs(t, Deposit(cash, d(amt), now), ErrInvalidAmount)
		assert.ErrorIs(t, Withdraw(cash, d(amt), now), ErrInvalidAmount)
	}
}

func TestValidateTrade(t *testing.T) {
	tests := []struct {
		name               string
		price, amount, fee string
		wantErr            bool
	}{
		{"ok", "1", "1", "0", false},
		{"fee just under 100", "1", "1", "99.99", false},
		{"zero price", "0", "1", "0", true},
		{"negative amount", "1", "-1", "0", true},
		{"fee 100", "1", "1", "100", true},
		{"negative fee", "1", "1", "-0.1", true},
		{"smallest unit", "0.000000000000000001", "0.000000000000000001", "0.000000000000000001", false},
		{"largest price", "999999999999999999", "1", "0", false},
		{"fee exponent far below scale", "1", "1", "1e-2000000000", true},
		{"zero fee with extreme exponent", "1", "1", "0e-2000000000", true},
		{"price with 19 decimal places", "0.0000000000000000001", "1", "0", true},
		{"amount exponent too large", "1", "1e2000000000", "0", true},
		{"price with 19 integer digits", "1000000000000000000", "1", "0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTrade(d(tt.price), d(tt.amount), d(tt.fee))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplySell_NoBuyHistory(t *testing.T) {
	// Only reachable through corrupted state: units held with no cost basis.
	pos := &model.Position{TotalAmount: d("1"), TotalBuyAmount: d("1")}
	_, err := ApplySell(pos, d("1"), d("10"), d("0"), now)
	require.ErrorIs(t, err, ErrInvalidState)
	assertDec(t, "1", pos.TotalAmount, "untouched")
}

func TestWeightedAverage(t *testing.T) {
	pos := NewPosition("p", "u", "ETH", now)
	_, err := ApplyBuy(pos, d("2"), d("100"), d("0"), now)
	require.NoError(t, err)
	_, err = ApplyBuy(pos, d("1"), d("400"), d("0"), now)
	require.NoError(t, err)

	assertDec(t, "200", pos.AverageBuyPrice, "average")

	fill, err := ApplySell(pos, d("1"), d("300"), d("1"), now)
	require.NoError(t, err)
	assertDec(t, "50", fill.ProfitLossPercentage, "pl pct")
	assertDec(t, "150", fill.ProfitLossValue, "pl value")
	assertDec(t, "297", fill.NetProceeds, "net proceeds")
	assertDec(t, "200", pos.AverageBuyPrice, "average unchanged by sell")
	assertInvariant(t, pos)
}

func TestReverseBuy_RestoresState(t *testing.T) {
	fees := []string{"0", "2", "0.3", "0.02", "7.5"}
	for _, fee := range fees {
		t.Run("fee "+fee, func(t *testing.T) {
			cash := NewCashBalance("u", now)
			require.NoError(t, Deposit(cash, d("5000"), now))
			pos := NewPosition("p", "u", "SOL", now)
			_, err := ApplyBuy(pos, d("3"), d("21.5"), d("1"), now)
			require.NoError(t, err)

			cashBefore, posBefore := *cash, *pos

			require.NoError(t, Withdraw(cash, BuyCost(d("12.345"), d("33.1")), now))
			fill, err := ApplyBuy(pos, d("12.345"), d("33.1"), d(fee), now)
			require.NoError(t, err)

			tx := model.Transaction{Type: model.Buy, Amount: fill.NetAmount, Value: fill.Value, Price: d("33.1"), FeePercent: d(fee)}
			refund, err := ReverseBuy(pos, tx, now)
			require.NoError(t, err)
			require.NoError(t, Deposit(cash, refund, now))

			assertDec(t, cashBefore.AvailableCash.String(), cash.AvailableCash, "cash")
			assertDec(t, posBefore.TotalAmount.String(), pos.TotalAmount, "total amount")
			assertDec(t, posBefore.TotalBuyAmount.String(), pos.TotalBuyAmount, "buy amount")
			assertDec(t, posBefore.TotalBuyValue.String(), pos.TotalBuyValue, "buy value")
			assertDec(t, posBefore.AverageBuyPrice.String(), pos.AverageBuyPrice, "average")
			assertInvariant(t, pos)
		})
	}
}

func TestReverseBuy_OnlyBuyResetsAverage(t *testing.T) {
	_, pos := scenarioA(t)
	tx := model.Transaction{Type: model.Buy, Amount: d("9.8"), Value: d("980"), Price: d("100"), FeePercent: d("2")}

	refund, err := ReverseBuy(pos, tx, now)
	require.NoError(t, err)
	assertDec(t, "1000", refund, "refund")
	assertDec(t, "0", pos.AverageBuyPrice, "average reset")
	assertDec(t, "0", pos.TotalAmount, "amount")
}

func TestReverseSell_RestoresState(t *testing.T) {
	cash, pos := scenarioA(t)
	posBefore := *pos

	fill, err := ApplySell(pos, d("5"), d("150"), d("1"), now)
	require.NoError(t, err)
	require.NoError(t, Deposit(cash, fill.NetProceeds, now))
	assertDec(t, "742.5", cash.AvailableCash, "cash after sell")

	tx := model.Transaction{Type: model.Sell, Amount: fill.Amount, Value: fill.Value, Price: d("150"), FeePercent: d("1")}
	debit, err := ReverseSell(pos, tx, now)
	require.NoError(t, err)
	assertDec(t, "742.5", debit, "debit")
	require.NoError(t, Withdraw(cash, debit, now))

	assertDec(t, "0", cash.AvailableCash, "cash")
	assertDec(t, posBefore.TotalAmount.String(), pos.TotalAmount, "amount")
	assertDec(t, "0", pos.TotalSellAmount, "sell amount")
	assertDec(t, "0", pos.AverageSellPrice, "average sell reset")
	assertInvariant(t, pos)
}

func TestReverse_ClosedPosition(t *testing.T) {
	pos := &model.Position{IsClosed: true, TotalSellAmount: d("1"), TotalBuyAmount: d("1")}
	_, err := ReverseSell(pos, model.Transaction{Type: model.Sell, Amount: d("1")}, now)
	require.ErrorIs(t, err, ErrBoxClosed)
	_, err = ReverseBuy(pos, model.Transaction{Type: model.Buy, Amount: d("1")}, now)
	require.ErrorIs(t, err, ErrBoxClosed)
}

func TestValuedHoldings_MissingPrice(t *testing.T) {
	positions := []model.Position{
		{CoinSymbol: "BTC", TotalAmount: d("2"), AverageBuyPrice: d("10")},
		{CoinSymbol: "DOGE", TotalAmount: d("100"), AverageBuyPrice: d("1")},
		{CoinSymbol: "ETH", TotalAmount: d("5"), IsClosed: true},
	}
	prices := map[string]decimal.Decimal{"BTC": d("30"), "ETH": d("1000")}

	assertDec(t, "60", ValuedHoldings(positions, prices), "holdings")
	assertDec(t, "120", ValueAtCost(positions), "at cost")
}

func TestSnapshot(t *testing.T) {
	cash, pos := scenarioA(t)
	require.NoError(t, Deposit(cash, d("20"), now))

	s := Snapshot("s1", *cash, []model.Position{*pos}, now)
	assert.Equal(t, "alice", s.UserID)
	assertDec(t, "20", s.CashBalance, "cash")
	assertDec(t, "980", s.PositionValueAtCost, "at cost")
	assertDec(t, "1000", s.Total, "total")
}

func TestSummarize(t *testing.T) {
	t.Run("no positions", func(t *testing.T) {
		s := Summarize(nil, nil)
		for _, v := range []decimal.Decimal{
			s.RealizedProfitLoss, s.RealizedProfitLossPercentage,
			s.UnrealizedProfitLoss, s.UnrealizedProfitLossPercentage,
			s.TotalProfitLoss, s.TotalProfitLossPercentage,
		} {
			assert.True(t, v.IsZero())
		}
	})

	t.Run("open and closed", func(t *testing.T) {
		positions := []model.Position{
			{CoinSymbol: "ETH", TotalBuyValue: d("500"), TotalSellValue: d("600"), IsClosed: true},
			{CoinSymbol: "BTC", TotalAmount: d("4.8"), TotalBuyValue: d("980"), TotalSellValue: d("750")},
		}
		s := Summarize(positions, map[string]decimal.Decimal{"BTC": d("200")})

		// 4.8*200 + 750 - 980 = 730
		assertDec(t, "730", s.UnrealizedProfitLoss, "unrealized")
		assertDec(t, "830", s.TotalProfitLoss, "total")
		assertDec(t, "56.0811", s.TotalProfitLossPercentage.Round(4), "total pct")
	})

	t.Run("unresolved price keeps cost basis", func(t *testing.T) {
		positions := []model.Position{
			{CoinSymbol: "XYZ", TotalAmount: d("10"), TotalBuyValue: d("100")},
		}
		s := Summarize(positions, map[string]decimal.Decimal{})
		assertDec(t, "-100", s.UnrealizedProfitLoss, "unrealized")
		assertDec(t, "-100", s.UnrealizedProfitLossPercentage, "unrealized pct")
	})
}

func TestView(t *testing.T) {
	_, pos := scenarioA(t)
	first := now.Add(-72 * time.Hour)

	v := View(*pos, d("110"), first, first, now)
	assertDec(t, "1078", v.Value, "value")
	require.NotNil(t, v.ProfitLossValue)
	assertDec(t, "98", *v.ProfitLossValue, "pl")
	assertDec(t, "10", *v.ProfitLossPercentage, "pl pct")
	assert.Equal(t, 3, v.AgeDays)

	unpriced := View(*pos, decimal.Zero, first, first, now)
	assert.Nil(t, unpriced.ProfitLossValue)
	assert.Nil(t, unpriced.ProfitLossPercentage)

	closed := model.Position{
		CoinSymbol:      "BTC",
		TotalBuyAmount:  d("5"),
		TotalBuyValue:   d("500"),
		TotalSellAmount: d("5"),
		TotalSellValue:  d("600"),
		IsClosed:        true,
	}
	cv := View(closed, decimal.Zero, first, now.Add(-24*time.Hour), now)
	require.NotNil(t, cv.ProfitLossValue)
	assertDec(t, "100", *cv.ProfitLossValue, "realized pl")
	assertDec(t, "20", *cv.ProfitLossPercentage, "realized pl pct")
	assert.Equal(t, 2, cv.AgeDays)
}

func TestErrorDetailsAndCodes(t *testing.T) {
	err := Withdraw(&model.CashBalance{AvailableCash: d("1")}, d("2"), now)
	assert.Equal(t, CodeInsufficientFunds, CodeOf(err))
	assert.False(t, errors.Is(err, ErrInsufficientPosition))

	wrapped := Persistence(errors.New("connection reset"))
	assert.ErrorIs(t, wrapped, ErrPersistenceFailure)
	assert.Contains(t, wrapped.Error(), "connection reset")

	assert.Same(t, err, Persistence(err), "domain errors pass through")
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestValidateCash(t *testing.T) {
	assert.NoError(t, ValidateCash(d("25.123456789012345678")))
	assert.NoError(t, ValidateCash(d("999999999999999999")))

	for _, amt := range []string{"0", "-1", "1e-2000000000", "1e19", "12345678901234567890"} {
		err := ValidateCash(d(amt))
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
	}

	var le *Error
	require.True(t, errors.As(ValidateCash(d("1e-30")), &le))
	assert.Equal(t, "amount", le.Details["field"])
}
