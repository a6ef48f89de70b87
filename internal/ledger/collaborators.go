package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Directory resolves a recipient identifier (email, phone, user id) to a user id.
type Directory interface {
	ResolveUser(ctx context.Context, identifier string) (string, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, identifier string) (string, error)

func (f DirectoryFunc) ResolveUser(ctx context.Context, identifier string) (string, error) {
	return f(ctx, identifier)
}

// IdentityDirectory treats every identifier as a user id.
var IdentityDirectory = DirectoryFunc(func(_ context.Context, identifier string) (string, error) {
	return identifier, nil
})

// Merchant is the receiving side of a merchant payment.
type Merchant struct {
	ID           string
	OwnerUserID  string
	CurrencyCode string
	FeeRate      decimal.Decimal
}

// MerchantDirectory resolves merchant configuration.
type MerchantDirectory interface {
	Merchant(ctx context.Context, merchantID string) (Merchant, error)
}

// Authorization is an acquirer decision.
type Authorization struct {
	Approved          bool
	ExternalReference string
	DeclineReason     string
}

// Acquirer is the card/bank settlement network.
type Acquirer interface {
	Authorize(ctx context.Context, card CardDetails, amount decimal.Decimal, currency string) (Authorization, error)
}

// RateSource quotes exchange rates between two catalog currencies.
type RateSource interface {
	Rate(ctx context.Context, from, to Currency) (decimal.Decimal, error)
}

// Publisher is notified after an entry is committed or transitioned.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}
