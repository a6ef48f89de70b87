package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Static holds configured rates keyed "FROM/TO".
type Static map[string]decimal.Decimal

// Lookup returns the direct rate, or the inverse of the reverse pair.
func (s Static) Lookup(from, to string) (decimal.Decimal, bool) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if r, ok := s[from+"/"+to]; ok && r.IsPositive() {
		return r, true
	}
	if r, ok := s[to+"/"+from]; ok && r.IsPositive() {
		return decimal.NewFromInt(1).Div(r), true
	}
	return decimal.Zero, false
}

// ParseStatic reads "USD/EUR=0.92,EUR/KZT=515.3".
func ParseStatic(raw string) (Static, error) {
	out := Static{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q: missing '='", part)
		}
		from, to, ok := strings.Cut(strings.TrimSpace(pair), "/")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("rate %q: pair must look like USD/EUR", part)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", part, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate %q must be positive", part)
		}
		out[strings.ToUpper(from)+"/"+strings.ToUpper(to)] = rate
	}
	return out, nil
}
