package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ExchangeRequest converts funds between two of the user's wallets.
type ExchangeRequest struct {
	TransactionID string
	UserID        string
	FromCurrency  string
	ToCurrency    string
	Amount        decimal.Decimal
	// Rate, when positive, overrides the engine's rate source.
	Rate decimal.Decimal
	Note string
}

// Exchange debits Amount in the source currency and credits the converted
// amount, rounded half to even at the target precision, to the user's wallet
// in the target currency. The target wallet is opened when missing.
func (e *Engine) Exchange(ctx context.Context, req ExchangeRequest) (Entry, error) {
	const op = "exchange"
	from, id, err := e.prepare(ctx, req.TransactionID, req.UserID, req.FromCurrency, req.Amount)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	to, err := e.catalog.ByCode(ctx, req.ToCurrency)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	if from.ID == to.ID {
		return Entry{}, e.reject(op, Errorf(ErrSameCurrency, "%s", from.Code))
	}
	rate, err := e.rate(ctx, from, to, req.Rate)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	target := to.Round(req.Amount.Mul(rate))
	if !target.IsPositive() {
		return Entry{}, e.reject(op, Errorf(ErrInvalidAmount, "%s %s converts to zero %s", req.Amount, from.Code, to.Code))
	}

	entry, _, err := e.execute(ctx, movement{
		op: op,
		entry: Entry{
			TransactionID: id,
			Kind:          KindExchange,
			Status:        StatusCompleted,
			UserID:        req.UserID,
			CurrencyID:    from.ID,
			CurrencyCode:  from.Code,
			GrossAmount:   req.Amount,
			FeeAmount:     decimal.Zero,
			NetAmount:     req.Amount,
			Note:          req.Note,
			Exchange: &ExchangeDetails{
				TargetCurrencyID:   to.ID,
				TargetCurrencyCode: to.Code,
				Rate:               rate,
				TargetAmount:       target,
			},
			Fingerprint: fingerprint(op, req.UserID, from.Code, to.Code, req.Amount.String(), req.Rate.String()),
		},
		apply: func(ctx context.Context, tx Tx, entry *Entry) error {
			src, err := tx.FindWallet(ctx, req.UserID, from.ID)
			if err != nil {
				return err
			}
			dst, err := tx.GetOrCreateWallet(ctx, req.UserID, to.ID)
			if err != nil {
				return err
			}
			set, err := lockWallets(ctx, tx, src.ID, dst.ID)
			if err != nil {
				return err
			}
			if err := set.debit(src.ID, req.Amount); err != nil {
				return err
			}
			if err := set.credit(dst.ID, target); err != nil {
				return err
			}
			entry.SourceWalletID = int64Ptr(src.ID)
			entry.DestinationWalletID = int64Ptr(dst.ID)
			return set.flush(ctx)
		},
	})
	return entry, err
}

func (e *Engine) rate(ctx context.Context, from, to Currency, supplied decimal.Decimal) (decimal.Decimal, error) {
	if supplied.IsNegative() {
		return decimal.Zero, Errorf(ErrRateUnavailable, "rate %s must be positive", supplied)
	}
	if supplied.IsPositive() {
		return supplied, nil
	}
	if e.rates == nil {
		return decimal.Zero, Errorf(ErrRateUnavailable, "no rate source for %s/%s", from.Code, to.Code)
	}
	rate, err := e.rates.Rate(ctx, from, to)
	if err != nil {
		if CodeOf(err) != "" {
			return decimal.Zero, err
		}
		return decimal.Zero, Errorf(ErrRateUnavailable, "%s/%s: %v", from.Code, to.Code, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, Errorf(ErrRateUnavailable, "%s/%s quoted %s", from.Code, to.Code, rate)
	}
	return rate, nil
}

// Quote returns the converted amount an exchange would credit, without moving funds.
func (e *Engine) Quote(ctx context.Context, fromCode, toCode string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	from, err := e.catalog.ByCode(ctx, fromCode)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	to, err := e.catalog.ByCode(ctx, toCode)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if from.ID == to.ID {
		return decimal.Zero, decimal.Zero, Errorf(ErrSameCurrency, "%s", from.Code)
	}
	if err := from.ValidateAmount(amount); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	rate, err := e.rate(ctx, from, to, decimal.Zero)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("quote: %w", err)
	}
	return to.Round(amount.Mul(rate)), rate, nil
}
