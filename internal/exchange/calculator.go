// Package exchange quotes conversion rates between catalog currencies.
package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"qazna.org/wallet/internal/ledger"
)

// Provider is an external source of rates keyed by currency code.
type Provider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, from, to string) (decimal.Decimal, error)

func (f ProviderFunc) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return f(ctx, from, to)
}

// Calculator resolves rates from configured pairs first and the provider
// second. It implements ledger.RateSource.
type Calculator struct {
	catalog  ledger.Catalog
	static   Static
	provider Provider
}

var _ ledger.RateSource = (*Calculator)(nil)

// NewCalculator builds a calculator; static and provider may both be empty.
func NewCalculator(catalog ledger.Catalog, static Static, provider Provider) *Calculator {
	return &Calculator{catalog: catalog, static: static, provider: provider}
}

// Rate returns how many units of to one unit of from buys.
func (c *Calculator) Rate(ctx context.Context, from, to ledger.Currency) (decimal.Decimal, error) {
	if _, err := c.catalog.ByCode(ctx, from.Code); err != nil {
		return decimal.Zero, err
	}
	if _, err := c.catalog.ByCode(ctx, to.Code); err != nil {
		return decimal.Zero, err
	}
	if strings.EqualFold(from.Code, to.Code) {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := c.static.Lookup(from.Code, to.Code); ok {
		return rate, nil
	}
	if c.provider == nil {
		return decimal.Zero, ledger.Errorf(ledger.ErrRateUnavailable, "no rate for %s/%s", from.Code, to.Code)
	}
	rate, err := c.provider.Rate(ctx, from.Code, to.Code)
	if err != nil {
		return decimal.Zero, ledger.Errorf(ledger.ErrRateUnavailable, "%s/%s: %v", from.Code, to.Code, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, ledger.Errorf(ledger.ErrRateUnavailable, "%s/%s quoted %s", from.Code, to.Code, rate)
	}
	return rate, nil
}

// Convert applies the current rate to amount with banker's rounding at the
// target precision.
func (c *Calculator) Convert(ctx context.Context, fromCode, toCode string, amount decimal.Decimal) (decimal.Decimal, error) {
	from, err := c.catalog.ByCode(ctx, fromCode)
	if err != nil {
		return decimal.Zero, err
	}
	to, err := c.catalog.ByCode(ctx, toCode)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := c.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s to %s: %w", from.Code, to.Code, err)
	}
	return to.Round(amount.Mul(rate)), nil
}
