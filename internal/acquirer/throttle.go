package acquirer

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"qazna.org/wallet/internal/ledger"
)

// Throttled caps the call rate towards an acquirer. Callers wait for a
// token until their context ends.
type Throttled struct {
	next ledger.Acquirer
	lim  *rate.Limiter
}

var _ ledger.Acquirer = (*Throttled)(nil)

func NewThrottled(next ledger.Acquirer, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Authorize(ctx context.Context, card ledger.CardDetails, amount decimal.Decimal, currency string) (ledger.Authorization, error) {
	start := time.Now()
	if err := t.lim.Wait(ctx); err != nil {
		return ledger.Authorization{}, fmt.Errorf("acquirer throttled after %s: %w", time.Since(start).Round(time.Millisecond), err)
	}
	return t.next.Authorize(ctx, card, amount, currency)
}
