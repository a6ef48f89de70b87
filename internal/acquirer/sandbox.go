// Package acquirer provides card settlement networks for external transfers.
package acquirer

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qazna.org/wallet/internal/ledger"
)

// ErrProcessing is the sandbox's simulated network failure.
var ErrProcessing = errors.New("acquirer: processing error")

// Sandbox is a deterministic acquirer for development and tests. Cards
// ending in 0002 are declined, cards ending in 0119 fail with ErrProcessing,
// amounts above Limit are declined and numbers failing the Luhn check are
// declined as invalid. Everything else is approved with a fresh reference.
type Sandbox struct {
	Limit decimal.Decimal
}

var _ ledger.Acquirer = Sandbox{}

func (s Sandbox) Authorize(ctx context.Context, card ledger.CardDetails, amount decimal.Decimal, currency string) (ledger.Authorization, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Authorization{}, err
	}
	number := strings.ReplaceAll(card.Number, " ", "")
	switch {
	case !luhn(number):
		return ledger.Authorization{DeclineReason: "invalid card number"}, nil
	case strings.HasSuffix(number, "0119"):
		return ledger.Authorization{}, ErrProcessing
	case strings.HasSuffix(number, "0002"):
		return ledger.Authorization{DeclineReason: "card declined"}, nil
	case s.Limit.IsPositive() && amount.GreaterThan(s.Limit):
		return ledger.Authorization{DeclineReason: "amount over " + s.Limit.String() + " " + currency}, nil
	}
	return ledger.Authorization{Approved: true, ExternalReference: "sbx_" + uuid.NewString()}, nil
}

func luhn(number string) bool {
	if len(number) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}
