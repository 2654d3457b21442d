package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradetracker/portfolio-engine/internal/metrics"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type countingSource struct {
	calls   atomic.Int32
	prices  map[string]decimal.Decimal
	err     error
	release chan struct{}
}

func (c *countingSource) Fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]decimal.Decimal)
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func TestResolver_StaticPrices(t *testing.T) {
	r := NewResolver(NewStaticSource(map[string]decimal.Decimal{"btc": d("100"), "ETH": d("10")}), nil, "USDT", 0)
	ctx := context.Background()

	prices := r.Prices(ctx, []string{"BTC", "eth", "DOGE", "USDT", "BTC"})
	assert.True(t, prices["BTC"].Equal(d("100")))
	assert.True(t, prices["ETH"].Equal(d("10")))
	assert.True(t, prices["USDT"].Equal(d("1")))
	_, ok := prices["DOGE"]
	assert.False(t, ok, "unknown symbol must be absent")

	assert.True(t, r.Price(ctx, " btc ").Equal(d("100")))
	assert.True(t, r.Price(ctx, "DOGE").IsZero())
	assert.True(t, r.Price(ctx, "not a symbol!").IsZero())
}

func TestResolver_SourceFailureYieldsZero(t *testing.T) {
	src := &countingSource{err: errors.New("upstream down")}
	r := NewResolver(src, NewMemoryCache(time.Minute), "USDT", 0)

	prices := r.Prices(context.Background(), []string{"BTC", "USDT"})
	assert.Len(t, prices, 1)
	assert.True(t, prices["USDT"].Equal(d("1")))
	assert.True(t, r.Price(context.Background(), "BTC").IsZero())
}

func TestResolver_CachesFetchedPrices(t *testing.T) {
	src := &countingSource{prices: map[string]decimal.Decimal{"BTC": d("100"), "ETH": d("10")}}
	r := NewResolver(src, NewMemoryCache(time.Minute), "USDT", 0)
	ctx := context.Background()

	r.Prices(ctx, []string{"BTC"})
	r.Prices(ctx, []string{"BTC"})
	assert.Equal(t, int32(1), src.calls.Load())

	// Only the uncached symbol goes upstream.
	prices := r.Prices(ctx, []string{"BTC", "ETH"})
	assert.Equal(t, int32(2), src.calls.Load())
	assert.True(t, prices["ETH"].Equal(d("10")))
}

func TestResolver_ZeroPricesAreNotCached(t *testing.T) {
	src := &countingSource{prices: map[string]decimal.Decimal{"BTC": decimal.Zero}}
	r := NewResolver(src, NewMemoryCache(time.Minute), "USDT", 0)
	ctx := context.Background()

	assert.True(t, r.Price(ctx, "BTC").IsZero())
	assert.True(t, r.Price(ctx, "BTC").IsZero())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestResolver_TimeoutDegradesToZero(t *testing.T) {
	src := &countingSource{
		prices:  map[string]decimal.Decimal{"BTC": d("100")},
		release: make(chan struct{}),
	}
	r := NewResolver(src, nil, "USDT", 20*time.Millisecond)

	start := time.Now()
	assert.True(t, r.Price(context.Background(), "BTC").IsZero())
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolver_SharesInflightFetch(t *testing.T) {
	src := &countingSource{
		prices:  map[string]decimal.Decimal{"BTC": d("100")},
		release: make(chan struct{}),
	}
	r := NewResolver(src, nil, "USDT", 0)

	const n = 8
	var wg sync.WaitGroup
	results := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Price(context.Background(), "BTC")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for i, p := range results {
		assert.True(t, p.Equal(d("100")), "result %d = %s", i, p)
	}
	assert.Less(t, src.calls.Load(), int32(n))
}

func TestResolver_CanceledCallerDoesNotFailOthers(t *testing.T) {
	src := &countingSource{
		prices:  map[string]decimal.Decimal{"BTC": d("100")},
		release: make(chan struct{}),
	}
	r := NewResolver(src, nil, "USDT", time.Minute)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan decimal.Decimal, 1)
	go func() { first <- r.Price(firstCtx, "BTC") }()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan decimal.Decimal, 1)
	go func() { second <- r.Price(context.Background(), "BTC") }()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case p := <-first:
		assert.True(t, p.IsZero(), "canceled caller stops waiting")
	case <-time.After(time.Second):
		t.Fatal("canceled caller still waiting")
	}

	close(src.release)
	select {
	case p := <-second:
		assert.True(t, p.Equal(d("100")), "second caller got %s", p)
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func counterValue(t *testing.T, result string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.PriceLookups.WithLabelValues(result).Write(&m))
	return m.GetCounter().GetValue()
}

func TestResolver_UnavailableIsTaggedWithCode(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	before := counterValue(t, "price_unavailable")
	r := NewResolver(NewStaticSource(nil), nil, "USDT", 0)
	assert.True(t, r.Price(context.Background(), "DOGE").IsZero())
	assert.Equal(t, before+1, counterValue(t, "price_unavailable"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), buf.String())
	assert.Equal(t, "price_unavailable", rec["code"])
	assert.Equal(t, "DOGE", rec["symbol"])
	assert.Equal(t, "WARN", rec["level"])
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, map[string]decimal.Decimal{"BTC": d("100")})
	assert.Len(t, c.Get(ctx, []string{"BTC", "ETH"}), 1)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, c.Get(ctx, []string{"BTC"}))
}

func TestParseStatic(t *testing.T) {
	prices, err := ParseStatic("btc=100, ETH=10.5,,")
	require.NoError(t, err)
	assert.Len(t, prices, 2)
	assert.True(t, prices["BTC"].Equal(d("100")))
	assert.True(t, prices["ETH"].Equal(d("10.5")))

	for _, bad := range []string{"BTC", "BTC=abc", "B-TC=1", "BTC=-1"} {
		_, err := ParseStatic(bad)
		assert.Error(t, err, bad)
	}
}

func TestBinanceSource_Batch(t *testing.T) {
	var requested [][]string
	src := newBinanceSource("USDT", func(_ context.Context, pairs []string) ([]*binance.SymbolPrice, error) {
		requested = append(requested, pairs)
		return []*binance.SymbolPrice{
			{Symbol: "BTCUSDT", Price: "64000.12000000"},
			{Symbol: "ETHUSDT", Price: "3100.5"},
			{Symbol: "ETHBTC", Price: "0.05"},
		}, nil
	})

	prices, err := src.Fetch(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, requested[0])
	assert.True(t, prices["BTC"].Equal(d("64000.12")))
	assert.True(t, prices["ETH"].Equal(d("3100.5")))
	assert.Len(t, prices, 2)
}

func TestBinanceSource_FallsBackPerSymbol(t *testing.T) {
	src := newBinanceSource("USDT", func(_ context.Context, pairs []string) ([]*binance.SymbolPrice, error) {
		if len(pairs) > 1 {
			return nil, errors.New("code=-1121, msg=Invalid symbol.")
		}
		if pairs[0] == "NOPEUSDT" {
			return nil, errors.New("code=-1121, msg=Invalid symbol.")
		}
		return []*binance.SymbolPrice{{Symbol: pairs[0], Price: "2"}}, nil
	})

	prices, err := src.Fetch(context.Background(), []string{"BTC", "NOPE", "SOL"})
	require.NoError(t, err)
	assert.Len(t, prices, 2)
	assert.True(t, prices["SOL"].Equal(d("2")))

	_, err = src.Fetch(context.Background(), []string{"NOPE"})
	assert.Error(t, err)
}
