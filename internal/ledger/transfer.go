package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PayoutWallet is the payout method settling an internal transfer immediately.
const PayoutWallet = "wallet"

// TransferRequest moves funds between two users of the ledger.
// Recipient is resolved through the engine's Directory.
type TransferRequest struct {
	TransactionID string
	SenderID      string
	Recipient     string
	CurrencyCode  string
	Amount        decimal.Decimal
	Note          string
	// PayoutMethod other than "" or PayoutWallet holds the transfer pending
	// until it is approved.
	PayoutMethod string
}

// ExternalTransferRequest sends funds to a payee outside the ledger.
type ExternalTransferRequest struct {
	TransactionID string
	SenderID      string
	CurrencyCode  string
	Amount        decimal.Decimal
	Note          string
	Payee         PayeeDetails
}

// InternalTransfer debits the sender the gross amount and credits the
// recipient the net amount, at once or on approval.
func (e *Engine) InternalTransfer(ctx context.Context, req TransferRequest) (Entry, error) {
	const op = "internal_transfer"
	cur, id, err := e.prepare(ctx, req.TransactionID, req.SenderID, req.CurrencyCode, req.Amount)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	recipient, err := e.resolveRecipient(ctx, req.Recipient)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	if recipient == req.SenderID {
		return Entry{}, e.reject(op, ErrSelfTransferNotAllowed)
	}
	fee := cur.Fee(req.Amount, cur.FeeRate)
	net := req.Amount.Sub(fee)
	if !net.IsPositive() {
		return Entry{}, e.reject(op, Errorf(ErrInvalidAmount, "amount does not cover the fee"))
	}
	method := strings.TrimSpace(req.PayoutMethod)
	pending := method != "" && method != PayoutWallet
	status := StatusCompleted
	if pending {
		status = StatusPending
	}

	entry, _, err := e.execute(ctx, movement{
		op: op,
		entry: Entry{
			TransactionID: id,
			Kind:          KindInternalTransfer,
			Status:        status,
			UserID:        req.SenderID,
			CurrencyID:    cur.ID,
			CurrencyCode:  cur.Code,
			GrossAmount:   req.Amount,
			FeeAmount:     fee,
			NetAmount:     net,
			Note:          req.Note,
			PayoutMethod:  method,
			Fingerprint:   fingerprint(op, req.SenderID, recipient, cur.Code, req.Amount.String(), method),
		},
		apply: func(ctx context.Context, tx Tx, entry *Entry) error {
			src, err := tx.FindWallet(ctx, req.SenderID, cur.ID)
			if err != nil {
				return err
			}
			dst, err := recipientWallet(tx.FindWallet(ctx, recipient, cur.ID))
			if err != nil {
				return err
			}
			var feeID int64
			if !pending {
				if feeID, err = e.feeWallet(ctx, tx, cur.ID, fee); err != nil {
					return err
				}
			}
			set, err := lockWallets(ctx, tx, src.ID, dst.ID, feeID)
			if err != nil {
				return err
			}
			if err := set.debit(src.ID, req.Amount); err != nil {
				return err
			}
			if !pending {
				if err := set.credit(dst.ID, net); err != nil {
					return err
				}
				if err := collectFee(set, feeID, fee); err != nil {
					return err
				}
			}
			entry.SourceWalletID = int64Ptr(src.ID)
			entry.DestinationWalletID = int64Ptr(dst.ID)
			return set.flush(ctx)
		},
	})
	return entry, err
}

func (e *Engine) resolveRecipient(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", Errorf(ErrInvalidRequest, "recipient is required")
	}
	userID, err := e.directory.ResolveUser(ctx, identifier)
	if err != nil {
		if CodeOf(err) != "" {
			return "", err
		}
		return "", fmt.Errorf("resolve recipient: %w", err)
	}
	if strings.TrimSpace(userID) == "" {
		return "", Errorf(ErrRecipientNotFound, "%s", identifier)
	}
	return userID, nil
}

// ExternalTransfer holds the gross amount and records a pending entry. When
// the payee is a card and an acquirer is configured the authorization
// happens right after the hold commits: an approval settles the entry, a
// decline cancels it and returns the funds, and a failed call leaves it
// pending for manual resolution.
func (e *Engine) ExternalTransfer(ctx context.Context, req ExternalTransferRequest) (Entry, error) {
	const op = "external_transfer"
	cur, id, err := e.prepare(ctx, req.TransactionID, req.SenderID, req.CurrencyCode, req.Amount)
	if err != nil {
		return Entry{}, e.reject(op, err)
	}
	if err := validatePayee(req.Payee); err != nil {
		return Entry{}, e.reject(op, err)
	}
	fee := cur.Fee(req.Amount, cur.FeeRate)
	net := req.Amount.Sub(fee)
	if !net.IsPositive() {
		return Entry{}, e.reject(op, Errorf(ErrInvalidAmount, "amount does not cover the fee"))
	}
	payee := req.Payee
	if payee.Card != nil {
		masked := payee.Card.Masked()
		payee.Card = &masked
	}

	entry, replayed, err := e.execute(ctx, movement{
		op: op,
		entry: Entry{
			TransactionID: id,
			Kind:          KindExternalTransfer,
			Status:        StatusPending,
			UserID:        req.SenderID,
			CurrencyID:    cur.ID,
			CurrencyCode:  cur.Code,
			GrossAmount:   req.Amount,
			FeeAmount:     fee,
			NetAmount:     net,
			Note:          req.Note,
			Payee:         &payee,
			Fingerprint:   fingerprint(op, req.SenderID, cur.Code, req.Amount.String(), payeeKey(payee)),
		},
		apply: func(ctx context.Context, tx Tx, entry *Entry) error {
			src, err := tx.FindWallet(ctx, req.SenderID, cur.ID)
			if err != nil {
				return err
			}
			set, err := lockWallets(ctx, tx, src.ID)
			if err != nil {
				return err
			}
			if err := set.debit(src.ID, req.Amount); err != nil {
				return err
			}
			entry.SourceWalletID = int64Ptr(src.ID)
			return set.flush(ctx)
		},
	})
	if err != nil || replayed || req.Payee.Card == nil || e.acquirer == nil {
		return entry, err
	}
	return e.authorize(ctx, entry, *req.Payee.Card)
}

func (e *Engine) authorize(ctx context.Context, entry Entry, card CardDetails) (Entry, error) {
	actx, cancel := context.WithTimeout(ctx, e.acquirerTimeout)
	auth, err := e.acquirer.Authorize(actx, card, entry.NetAmount, entry.CurrencyCode)
	cancel()
	if err != nil {
		e.log.Warn("acquirer unavailable, entry left pending",
			zap.String("transaction_id", entry.TransactionID), zap.Error(err))
		return entry, nil
	}
	// The hold is already committed; settle it even if the caller goes away.
	rctx := context.WithoutCancel(ctx)
	if auth.Approved {
		return e.resolve(rctx, ResolveRequest{
			TransactionID:     entry.TransactionID,
			Status:            StatusApproved,
			Actor:             ActorAcquirer,
			ExternalReference: auth.ExternalReference,
		}, "")
	}
	return e.resolve(rctx, ResolveRequest{
		TransactionID:     entry.TransactionID,
		Status:            StatusCancelled,
		Actor:             ActorAcquirer,
		Note:              auth.DeclineReason,
		ExternalReference: auth.ExternalReference,
	}, CodeAcquirerDeclined)
}

func validatePayee(p PayeeDetails) error {
	if strings.TrimSpace(p.Name) == "" {
		return Errorf(ErrInvalidRequest, "payee name is required")
	}
	if p.Card != nil {
		n := strings.ReplaceAll(p.Card.Number, " ", "")
		if len(n) < 12 || len(n) > 19 || strings.Trim(n, "0123456789") != "" {
			return Errorf(ErrInvalidRequest, "card number")
		}
		return nil
	}
	if p.AccountNumber == "" && p.Email == "" && p.Phone == "" {
		return Errorf(ErrInvalidRequest, "payee needs an account number, card, email or phone")
	}
	return nil
}

func payeeKey(p PayeeDetails) string {
	card := ""
	if p.Card != nil {
		card = p.Card.Number
	}
	return strings.Join([]string{p.Name, p.BankCode, p.AccountNumber, card, p.Email, p.Phone}, "|")
}
