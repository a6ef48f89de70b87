package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/wallet/internal/audit"
	"qazna.org/wallet/internal/obs"
)

// Actors recorded on transitions made by the engine itself.
const (
	ActorAcquirer = "system:acquirer"
	ActorExpiry   = "system:expiry"
)

// ResolveRequest moves a pending entry to a terminal status.
type ResolveRequest struct {
	TransactionID     string
	Status            Status
	Actor             string
	Note              string
	ExternalReference string
}

// Resolve approves, cancels or rejects a pending entry. Approval releases the
// held funds to the destination; cancellation and rejection return the gross
// amount to the source wallet. Entries that are not pending cannot move.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (Entry, error) {
	return e.resolve(ctx, req, "")
}

func (e *Engine) resolve(ctx context.Context, req ResolveRequest, reason Code) (Entry, error) {
	const op = "resolve"
	start := time.Now()
	switch req.Status {
	case StatusApproved, StatusCancelled, StatusRejected:
	default:
		return Entry{}, e.reject(op, Errorf(ErrInvalidStateTransition, "target status %q", req.Status))
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return Entry{}, e.reject(op, Errorf(ErrInvalidRequest, "actor is required"))
	}

	var out Entry
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		entry, err := tx.LockEntry(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if entry.Status != StatusPending {
			return Errorf(ErrInvalidStateTransition, "%s is %s", entry.TransactionID, entry.Status)
		}
		if req.Status == StatusApproved {
			err = e.settle(ctx, tx, entry)
		} else {
			err = e.release(ctx, tx, entry)
		}
		if err != nil {
			return err
		}

		now := e.now().UTC()
		entry.Status = req.Status
		entry.ResolvedBy = actor
		entry.ResolutionNote = req.Note
		entry.ResolvedAt = &now
		entry.UpdatedAt = now
		if req.ExternalReference != "" {
			entry.ExternalReference = req.ExternalReference
		}
		if reason != "" {
			entry.Reason = reason
		}
		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		e.finish(op, req.TransactionID, start, err)
		return Entry{}, err
	}

	obs.ObserveOperation(op, "ok", time.Since(start))
	obs.ObserveResolution(string(out.Kind), string(out.Status))
	_ = audit.LogEvent(audit.WithActor(ctx, actor), "ledger.entry_resolved", map[string]any{
		"transaction_id": out.TransactionID,
		"kind":           string(out.Kind),
		"status":         string(out.Status),
		"gross":          out.GrossAmount.String(),
		"currency":       out.CurrencyCode,
		"note":           out.ResolutionNote,
	})
	e.log.Info("ledger entry resolved",
		zap.String("transaction_id", out.TransactionID),
		zap.String("kind", string(out.Kind)),
		zap.String("status", string(out.Status)),
		zap.String("actor", actor),
	)
	e.publish(ctx, out)
	return out, entryError(out)
}

// settle completes an approved entry. External transfers only collect the
// fee since their funds leave the ledger.
func (e *Engine) settle(ctx context.Context, tx Tx, entry Entry) error {
	var dstID int64
	credit := entry.NetAmount
	switch entry.Kind {
	case KindInternalTransfer, KindMerchantPayment:
		if entry.DestinationWalletID == nil {
			return Errorf(ErrRecipientWalletNotFound, "entry %s has no destination wallet", entry.TransactionID)
		}
		dstID = *entry.DestinationWalletID
		if entry.Merchant != nil {
			credit = entry.Merchant.CreditedAmount
		}
	case KindExternalTransfer:
	default:
		return Errorf(ErrInvalidStateTransition, "%s entries are never pending", entry.Kind)
	}
	feeID, err := e.feeWallet(ctx, tx, entry.CurrencyID, entry.FeeAmount)
	if err != nil {
		return err
	}
	set, err := lockWallets(ctx, tx, dstID, feeID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return ErrRecipientWalletNotFound
		}
		return err
	}
	if dstID != 0 {
		if err := set.credit(dstID, credit); err != nil {
			return err
		}
	}
	if err := collectFee(set, feeID, entry.FeeAmount); err != nil {
		return err
	}
	return set.flush(ctx)
}

// release returns the held gross amount to the source wallet.
func (e *Engine) release(ctx context.Context, tx Tx, entry Entry) error {
	if entry.SourceWalletID == nil {
		return Errorf(ErrWalletNotFound, "entry %s has no source wallet", entry.TransactionID)
	}
	set, err := lockWallets(ctx, tx, *entry.SourceWalletID)
	if err != nil {
		return err
	}
	if err := set.refund(*entry.SourceWalletID, entry.GrossAmount); err != nil {
		return err
	}
	return set.flush(ctx)
}

// ExpirePending cancels entries left pending longer than olderThan and
// returns how many it cancelled. Entries resolved concurrently are skipped.
func (e *Engine) ExpirePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := e.store.PendingBefore(ctx, e.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, err := e.resolve(ctx, ResolveRequest{
			TransactionID: id,
			Status:        StatusCancelled,
			Actor:         ActorExpiry,
			Note:          "pending for more than " + olderThan.String(),
		}, "")
		if errors.Is(err, ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
