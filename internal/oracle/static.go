package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/coin"
)

// StaticSource serves a fixed price table. Used for development and tests.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

// NewStaticSource creates a source from a symbol → price table.
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	table := make(map[string]decimal.Decimal, len(prices))
	for s, p := range prices {
		if sym, err := coin.Normalize(s); err == nil {
			table[sym] = p
		}
	}
	return &StaticSource{prices: table}
}

// ParseStatic parses a table written as "BTC=100,ETH=10".
func ParseStatic(list string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sym, raw, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("static price %q: expected SYMBOL=PRICE", entry)
		}
		s, err := coin.Normalize(sym)
		if err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("static price %q: %w", entry, err)
		}
		if p.IsNegative() {
			return nil, fmt.Errorf("static price %q: negative price", entry)
		}
		prices[s] = p
	}
	return prices, nil
}

func (s *StaticSource) Fetch(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}
