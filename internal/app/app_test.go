package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradetracker/portfolio-engine/internal/config"
	"github.com/tradetracker/portfolio-engine/internal/model"
	"github.com/tradetracker/portfolio-engine/internal/portfolio"
)

func TestNew_InMemoryWithStaticPrices(t *testing.T) {
	cfg := config.Default()
	cfg.PriceSource = config.SourceStatic
	cfg.StaticPrices = "BTC=120"
	cfg.DefaultFeePercent = "0"
	require.NoError(t, cfg.Validate())

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Postgres)

	ctx := context.Background()
	_, err = a.Service.ModifyCash(ctx, "u1", decimal.NewFromInt(100), portfolio.Deposit)
	require.NoError(t, err)
	tr, err := a.Service.CreateTransaction(ctx, "u1", portfolio.TradeRequest{
		CoinSymbol: "BTC",
		Type:       model.Buy,
		Price:      decimal.NewFromInt(100),
		Amount:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.True(t, tr.FeePercent.IsZero(), "configured default fee applies")

	bal, err := a.Service.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.HoldingsValue.Equal(decimal.NewFromInt(120)))
}

func TestNew_BadStaticPrices(t *testing.T) {
	cfg := config.Default()
	cfg.PriceSource = config.SourceStatic
	cfg.StaticPrices = "BTC"
	require.NoError(t, cfg.Validate())

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
