package ledger

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// MerchantPaymentRequest pays a configured merchant from the payer's wallet.
type MerchantPaymentRequest struct {
	TransactionID  string
	PayerID        string
	MerchantID     string
	CurrencyCode   string
	Amount         decimal.Decimal
	OrderReference string
	Note           string
}

// MerchantPayment holds the gross amount in a pending entry; the merchant
// is credited the amount less its fee when the entry is approved. A payer
// without enough funds gets a cancelled entry crediting nothing, returned
// together with ErrInsufficientFunds.
func (e *Engine) MerchantPayment(ctx context.Context, req MerchantPaymentRequest) (Entry, error) {
	const op = "merchant_payment"
	cur, id, err := e.prepare(ctx, req.TransactionID, req.PayerID, req.CurrencyCode, req.Amount)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	m, err := e.merchant(ctx, req.MerchantID)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	if !strings.EqualFold(m.CurrencyCode, cur.Code) {
		return Entry{}, e.reject(op, Errorf(ErrCurrencyMismatch, "merchant %s accepts %s, not %s", m.ID, m.CurrencyCode, cur.Code))
	}
	if m.OwnerUserID == req.PayerID {
		return Entry{}, e.reject(op, ErrSelfTransferNotAllowed)
	}
	fee := cur.Fee(req.Amount, m.FeeRate)
	credited := req.Amount.Sub(fee)
	if !credited.IsPositive() {
		return Entry{}, e.reject(op, Errorf(ErrInvalidAmount, "amount does not cover the merchant fee"))
	}

	entry, _, err := e.execute(ctx, movement{
		op: op,
		entry: Entry{
			TransactionID: id,
			Kind:          KindMerchantPayment,
			Status:        StatusPending,
			UserID:        req.PayerID,
			CurrencyID:    cur.ID,
			CurrencyCode:  cur.Code,
			GrossAmount:   req.Amount,
			FeeAmount:     fee,
			NetAmount:     credited,
			Note:          req.Note,
			Merchant: &MerchantDetails{
				MerchantID:     m.ID,
				OrderReference: req.OrderReference,
				FeeRate:        m.FeeRate,
				CreditedAmount: credited,
			},
			Fingerprint: fingerprint(op, req.PayerID, m.ID, cur.Code, req.Amount.String(), req.OrderReference),
		},
		apply: func(ctx context.Context, tx Tx, entry *Entry) error {
			src, err := tx.FindWallet(ctx, req.PayerID, cur.ID)
			if err != nil {
				return err
			}
			dst, err := recipientWallet(tx.FindWallet(ctx, m.OwnerUserID, cur.ID))
			if err != nil {
				return err
			}
			set, err := lockWallets(ctx, tx, src.ID, dst.ID)
			if err != nil {
				return err
			}
			entry.SourceWalletID = int64Ptr(src.ID)
			entry.DestinationWalletID = int64Ptr(dst.ID)

			payer, err := set.get(src.ID)
			if err != nil {
				return err
			}
			if payer.Active && payer.Balance.LessThan(req.Amount) {
				details := *entry.Merchant
				details.CreditedAmount = decimal.Zero
				entry.Merchant = &details
				entry.Status = StatusCancelled
				entry.Reason = CodeInsufficientFunds
				return nil
			}
			if err := set.debit(src.ID, req.Amount); err != nil {
				return err
			}
			return set.flush(ctx)
		},
	})
	return entry, err
}

func (e *Engine) merchant(ctx context.Context, merchantID string) (Merchant, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return Merchant{}, Errorf(ErrInvalidRequest, "merchant id is required")
	}
	if e.merchants == nil {
		return Merchant{}, Errorf(ErrMerchantNotFound, "%s", merchantID)
	}
	m, err := e.merchants.Merchant(ctx, merchantID)
	if err != nil {
		return Merchant{}, err
	}
	if strings.TrimSpace(m.OwnerUserID) == "" {
		return Merchant{}, Errorf(ErrMerchantNotFound, "%s has no owner", merchantID)
	}
	if m.FeeRate.IsNegative() || m.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Merchant{}, Errorf(ErrInvalidRequest, "merchant %s fee rate %s", merchantID, m.FeeRate)
	}
	return m, nil
}
