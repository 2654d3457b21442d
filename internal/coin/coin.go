// Package coin handles coin symbol parsing, validation, and derivation of
// the trading pair used to quote a coin against the cash asset.
package coin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultQuote is the asset cash balances are denominated in.
const DefaultQuote = "USDT"

// symbolRegex matches upper-case tickers such as BTC, ETH, 1INCH or SHIB.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{1,15}$`)

var (
	ErrInvalidSymbol = errors.New("coin: invalid symbol")
	ErrQuoteSymbol   = errors.New("coin: the quote asset cannot be traded against itself")
)

// Normalize trims and upper-cases a symbol and validates its format.
func Normalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-15 letters or digits)", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// ParseTradable normalizes symbol and rejects the quote asset, which is the
// cash ledger and not a position.
func ParseTradable(symbol, quote string) (string, error) {
	s, err := Normalize(symbol)
	if err != nil {
		return "", err
	}
	if s == strings.ToUpper(quote) {
		return "", fmt.Errorf("%w: %s", ErrQuoteSymbol, s)
	}
	return s, nil
}

// Pair returns the exchange pair quoting symbol in quote, e.g. BTCUSDT.
func Pair(symbol, quote string) string {
	return symbol + strings.ToUpper(quote)
}

// FromPair strips quote from an exchange pair. ok is false when pair is not
// quoted in quote.
func FromPair(pair, quote string) (symbol string, ok bool) {
	quote = strings.ToUpper(quote)
	if len(pair) <= len(quote) || !strings.HasSuffix(pair, quote) {
		return "", false
	}
	return strings.TrimSuffix(pair, quote), true
}

// Unique normalizes and de-duplicates symbols, dropping invalid ones and
// preserving first-seen order.
func Unique(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		s, err := Normalize(sym)
		if err != nil || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
