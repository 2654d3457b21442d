package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/coin"
)

// tickerFunc lists last prices for exchange pairs.
type tickerFunc func(ctx context.Context, pairs []string) ([]*binance.SymbolPrice, error)

// BinanceSource reads spot ticker prices from the Binance REST API. Each
// coin is priced through its pair against the quote asset (BTC → BTCUSDT).
type BinanceSource struct {
	quote  string
	ticker tickerFunc
}

// NewBinanceSource creates a source backed by a go-binance client. Ticker
// prices are public, so empty credentials are fine.
func NewBinanceSource(apiKey, secretKey, quote string) *BinanceSource {
	client := binance.NewClient(apiKey, secretKey)
	return newBinanceSource(quote, func(ctx context.Context, pairs []string) ([]*binance.SymbolPrice, error) {
		svc := client.NewListPricesService()
		if len(pairs) == 1 {
			svc = svc.Symbol(pairs[0])
		} else {
			svc = svc.Symbols(pairs)
		}
		return svc.Do(ctx)
	})
}

func newBinanceSource(quote string, ticker tickerFunc) *BinanceSource {
	if quote == "" {
		quote = coin.DefaultQuote
	}
	return &BinanceSource{quote: quote, ticker: ticker}
}

// Fetch asks for all symbols in one request. Binance rejects the whole batch
// when one pair is unknown, so on failure each symbol is retried alone and
// the ones that resolve are returned.
func (b *BinanceSource) Fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = coin.Pair(s, b.quote)
	}

	tickers, err := b.ticker(ctx, pairs)
	if err == nil {
		return b.collect(tickers), nil
	}
	if len(pairs) == 1 {
		return map[string]decimal.Decimal{}, fmt.Errorf("binance ticker %s: %w", pairs[0], err)
	}

	slog.Debug("batch ticker request failed, retrying per symbol", "pairs", len(pairs), "error", err)
	prices := make(map[string]decimal.Decimal, len(pairs))
	var lastErr error
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return prices, ctx.Err()
		}
		one, err := b.ticker(ctx, []string{pair})
		if err != nil {
			lastErr = fmt.Errorf("binance ticker %s: %w", pair, err)
			continue
		}
		for s, p := range b.collect(one) {
			prices[s] = p
		}
	}
	if len(prices) == 0 && lastErr != nil {
		return prices, lastErr
	}
	return prices, nil
}

func (b *BinanceSource) collect(tickers []*binance.SymbolPrice) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if t == nil {
			continue
		}
		sym, ok := coin.FromPair(t.Symbol, b.quote)
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(t.Price)
		if err != nil {
			slog.Warn("unparseable ticker price", "pair", t.Symbol, "price", t.Price)
			continue
		}
		prices[sym] = p
	}
	return prices
}
