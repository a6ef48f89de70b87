package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// DepositRequest credits external funds to a user's wallet.
type DepositRequest struct {
	TransactionID string
	UserID        string
	CurrencyCode  string
	Amount        decimal.Decimal
	Note          string
}

// WithdrawRequest sends funds out of a user's wallet.
type WithdrawRequest struct {
	TransactionID string
	UserID        string
	CurrencyCode  string
	Amount        decimal.Decimal
	Note          string
}

// Deposit credits the amount net of the currency fee.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (Entry, error) {
	const op = "deposit"
	cur, id, err := e.prepare(ctx, req.TransactionID, req.UserID, req.CurrencyCode, req.Amount)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	fee := cur.Fee(req.Amount, cur.FeeRate)
	net := req.Amount.Sub(fee)
	if !net.IsPositive() {
		return Entry{}, e.reject(op, Errorf(ErrInvalidAmount, "amount does not cover the fee"))
	}

	entry, _, err := e.execute(ctx, movement{
		op: op,
		entry: Entry{
			TransactionID: id,
			Kind:          KindDeposit,
			Status:        StatusCompleted,
			UserID:        req.UserID,
			CurrencyID:    cur.ID,
			CurrencyCode:  cur.Code,
			GrossAmount:   req.Amount,
			FeeAmount:     fee,
			NetAmount:     net,
			Note:          req.Note,
			Fingerprint:   fingerprint(op, req.UserID, cur.Code, req.Amount.String()),
		},
		apply: func(ctx context.Context, tx Tx, entry *Entry) error {
			w, err := tx.FindWallet(ctx, req.UserID, cur.ID)
			if err != nil {
				return err
			}
			feeID, err := e.feeWallet(ctx, tx, cur.ID, fee)
			if err != nil {
				return err
			}
			set, err := lockWallets(ctx, tx, w.ID, feeID)
			if err != nil {
				return err
			}
			if err := set.credit(w.ID, net); err != nil {
				return err
			}
			if err := collectFee(set, feeID, fee); err != nil {
				return err
			}
			entry.DestinationWalletID = int64Ptr(w.ID)
			return set.flush(ctx)
		},
	})
	return entry, err
}

// Withdraw debits the gross amount; the fee stays with the ledger and the
// net amount leaves it.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (Entry, error) {
	const op = "withdraw"
	cur, id, err := e.prepare(ctx, req.TransactionID, req.UserID, req.CurrencyCode, req.Amount)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	fee := cur.Fee(req.Amount, cur.FeeRate)
	net := req.Amount.Sub(fee)
	if !net.IsPositive() {
		return Entry{}, e.reject(op, Errorf(ErrInvalidAmount, "amount does not cover the fee"))
	}

	entry, _, err := e.execute(ctx, movement{
		op: op,
		entry: Entry{
			TransactionID: id,
			Kind:          KindWithdrawal,
			Status:        StatusCompleted,
			UserID:        req.UserID,
			CurrencyID:    cur.ID,
			CurrencyCode:  cur.Code,
			GrossAmount:   req.Amount,
			FeeAmount:     fee,
			NetAmount:     net,
			Note:          req.Note,
			Fingerprint:   fingerprint(op, req.UserID, cur.Code, req.Amount.String()),
		},
		apply: func(ctx context.Context, tx Tx, entry *Entry) error {
			w, err := tx.FindWallet(ctx, req.UserID, cur.ID)
			if err != nil {
				return err
			}
			feeID, err := e.feeWallet(ctx, tx, cur.ID, fee)
			if err != nil {
				return err
			}
			set, err := lockWallets(ctx, tx, w.ID, feeID)
			if err != nil {
				return err
			}
			if err := set.debit(w.ID, req.Amount); err != nil {
				return err
			}
			if err := collectFee(set, feeID, fee); err != nil {
				return err
			}
			entry.SourceWalletID = int64Ptr(w.ID)
			return set.flush(ctx)
		},
	})
	return entry, err
}

// recipientWallet reports a missing counterparty wallet with its own code.
func recipientWallet(w Wallet, err error) (Wallet, error) {
	if errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, ErrRecipientWalletNotFound
	}
	return w, err
}
