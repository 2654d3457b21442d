// Package oracle resolves coin symbols to current unit prices in the quote
// asset. Lookups never fail: a symbol that cannot be priced resolves to zero
// and is logged, so reporting degrades instead of erroring.
package oracle

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/tradetracker/portfolio-engine/internal/coin"
	"github.com/tradetracker/portfolio-engine/internal/ledger"
	"github.com/tradetracker/portfolio-engine/internal/metrics"
)

// DefaultTimeout bounds an upstream fetch when NewResolver is given none.
const DefaultTimeout = 10 * time.Second

// Oracle is the price lookup used by the portfolio service.
type Oracle interface {
	// Price returns the current price of symbol, or zero when unknown.
	Price(ctx context.Context, symbol string) decimal.Decimal

	// Prices resolves many symbols at once. Unknown symbols are absent
	// from the result, which reads as zero.
	Prices(ctx context.Context, symbols []string) map[string]decimal.Decimal
}

// Source fetches prices from an upstream. It may return a partial map
// together with a nil error.
type Source interface {
	Fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Cache stores recently fetched prices.
type Cache interface {
	Get(ctx context.Context, symbols []string) map[string]decimal.Decimal
	Set(ctx context.Context, prices map[string]decimal.Decimal)
}

// Resolver implements Oracle on top of a Source and a Cache. Concurrent
// lookups of the same missing set share one upstream request.
type Resolver struct {
	source  Source
	cache   Cache
	quote   string
	timeout time.Duration
	group   singleflight.Group
}

// NewResolver creates a resolver. A nil cache disables caching; a zero
// timeout selects DefaultTimeout.
func NewResolver(src Source, cache Cache, quote string, timeout time.Duration) *Resolver {
	if quote == "" {
		quote = coin.DefaultQuote
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		source:  src,
		cache:   cache,
		quote:   strings.ToUpper(quote),
		timeout: timeout,
	}
}

func (r *Resolver) Price(ctx context.Context, symbol string) decimal.Decimal {
	sym, err := coin.Normalize(symbol)
	if err != nil {
		return decimal.Zero
	}
	return r.Prices(ctx, []string{sym})[sym]
}

func (r *Resolver) Prices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(symbols))

	var wanted []string
	for _, s := range coin.Unique(symbols) {
		if s == r.quote {
			result[s] = decimal.NewFromInt(1)
			continue
		}
		wanted = append(wanted, s)
	}
	if len(wanted) == 0 {
		return result
	}

	missing := wanted
	if r.cache != nil {
		cached := r.cache.Get(ctx, wanted)
		missing = missing[:0:0]
		for _, s := range wanted {
			if p, ok := cached[s]; ok {
				result[s] = p
				metrics.PriceLookups.WithLabelValues("hit").Inc()
				continue
			}
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return result
	}

	for s, p := range r.fetch(ctx, missing) {
		result[s] = p
	}
	return result
}

// fetch asks the source for missing, sharing in-flight requests for the
// same set of symbols. The shared request outlives any single caller: it is
// bounded by the resolver timeout only, and a caller whose ctx ends stops
// waiting without cancelling it for the others.
func (r *Resolver) fetch(ctx context.Context, missing []string) map[string]decimal.Decimal {
	sort.Strings(missing)
	key := strings.Join(missing, ",")

	ch := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		prices, err := r.source.Fetch(fctx, missing)
		if err != nil {
			metrics.PriceLookups.WithLabelValues("error").Inc()
			slog.Warn("price fetch failed", "symbols", key, "error", err)
		}

		fetched := make(map[string]decimal.Decimal, len(prices))
		for s, p := range prices {
			if p.IsPositive() {
				fetched[s] = p
			}
		}
		if r.cache != nil && len(fetched) > 0 {
			r.cache.Set(fctx, fetched)
		}
		return fetched, nil
	})

	var fetched map[string]decimal.Decimal
	select {
	case res := <-ch:
		fetched = res.Val.(map[string]decimal.Decimal)
	case <-ctx.Done():
	}

	unavailable := string(ledger.CodePriceUnavailable)
	for _, s := range missing {
		if _, ok := fetched[s]; ok {
			metrics.PriceLookups.WithLabelValues("fetched").Inc()
			continue
		}
		metrics.PriceLookups.WithLabelValues(unavailable).Inc()
		slog.Warn(ledger.ErrPriceUnavailable.Message, "code", unavailable, "symbol", s, "quote", r.quote)
	}
	return fetched
}
