// Package instrument handles ticker parsing, validation, and construction of
// a deterministic instrument universe.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// tickerRegex matches exchange tickers such as AAPL, BRK.B, or RDS-A.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}([.\-][A-Z0-9]{1,4})?$`)

var (
	ErrInvalidTicker   = errors.New("instrument: invalid ticker format")
	ErrEmptyUniverse   = errors.New("instrument: empty universe")
	ErrDuplicateTicker = errors.New("instrument: duplicate ticker")
)

// ParseTicker trims and upper-cases a ticker and validates its format.
func ParseTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// Universe validates tickers and returns them sorted. Sorted order is the
// fixed iteration order used for every trading day.
func Universe(tickers []string) ([]string, error) {
	if len(tickers) == 0 {
		return nil, ErrEmptyUniverse
	}
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, raw := range tickers {
		t, err := ParseTicker(raw)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTicker, t)
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// SplitList parses a comma-separated ticker list, as used by the CLI and
// environment configuration. Empty elements are dropped.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
