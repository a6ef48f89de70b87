package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"qazna.org/wallet/internal/ledger"
)

// entryAppendLock is the advisory lock key serializing ledger_entries inserts.
const entryAppendLock int64 = 0x77616c6c6574

const walletColumns = `id, user_id, currency_id, balance, is_active, created_at, updated_at`

const entryColumns = `sequence, transaction_id, kind, status, user_id, source_wallet_id, destination_wallet_id,
	currency_id, currency_code, gross_amount, fee_amount, net_amount, note, details, external_reference,
	reason, resolved_by, resolution_note, resolved_at, fingerprint, created_at, updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type tx struct {
	tx queryer
}

var _ ledger.Tx = (*tx)(nil)

func (t *tx) FindEntry(ctx context.Context, transactionID string) (ledger.Entry, bool, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx,
		`select `+entryColumns+` from ledger_entries where transaction_id = $1`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, classify("find entry", err)
	}
	return e, true, nil
}

func (t *tx) LockEntry(ctx context.Context, transactionID string) (ledger.Entry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx,
		`select `+entryColumns+` from ledger_entries where transaction_id = $1 for update`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.Errorf(ledger.ErrEntryNotFound, "%s", transactionID)
	}
	if err != nil {
		return ledger.Entry{}, classify("lock entry", err)
	}
	return e, nil
}

func (t *tx) InsertEntry(ctx context.Context, e *ledger.Entry) error {
	details, err := json.Marshal(e.Details())
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
		e.UpdatedAt = e.CreatedAt
	}
	// Held until commit, so sequence numbers are handed out in commit order
	// and a History cursor never jumps past an entry still in flight. Taken
	// after every wallet lock, it cannot join a lock cycle.
	if _, err := t.tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, entryAppendLock); err != nil {
		return classify("lock entry sequence", err)
	}
	err = t.tx.QueryRowContext(ctx, `
		insert into ledger_entries (
			transaction_id, kind, status, user_id, source_wallet_id, destination_wallet_id,
			currency_id, currency_code, gross_amount, fee_amount, net_amount, note, details,
			external_reference, reason, fingerprint, created_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		returning sequence
	`,
		e.TransactionID, string(e.Kind), string(e.Status), e.UserID, nullID(e.SourceWalletID), nullID(e.DestinationWalletID),
		e.CurrencyID, e.CurrencyCode, e.GrossAmount, e.FeeAmount, e.NetAmount, e.Note, details,
		e.ExternalReference, string(e.Reason), e.Fingerprint, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.Sequence)
	if err != nil {
		return classify("insert entry", err)
	}
	return nil
}

func (t *tx) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	details, err := json.Marshal(e.Details())
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	var resolvedAt sql.NullTime
	if e.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *e.ResolvedAt, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		update ledger_entries
		set status = $2, details = $3, external_reference = $4, reason = $5,
			resolved_by = $6, resolution_note = $7, resolved_at = $8, updated_at = $9
		where transaction_id = $1
	`, e.TransactionID, string(e.Status), details, e.ExternalReference, string(e.Reason),
		e.ResolvedBy, e.ResolutionNote, resolvedAt, e.UpdatedAt)
	if err != nil {
		return classify("update entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Errorf(ledger.ErrEntryNotFound, "%s", e.TransactionID)
	}
	return nil
}

func (t *tx) FindWallet(ctx context.Context, userID string, currencyID int64) (ledger.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRowContext(ctx,
		`select `+walletColumns+` from wallets where user_id = $1 and currency_id = $2`, userID, currencyID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.Errorf(ledger.ErrWalletNotFound, "%s has no wallet in currency %d", userID, currencyID)
	}
	if err != nil {
		return ledger.Wallet{}, classify("find wallet", err)
	}
	return w, nil
}

func (t *tx) GetOrCreateWallet(ctx context.Context, userID string, currencyID int64) (ledger.Wallet, error) {
	if _, err := t.tx.ExecContext(ctx, `
		insert into wallets (user_id, currency_id) values ($1, $2)
		on conflict (user_id, currency_id) do nothing
	`, userID, currencyID); err != nil {
		return ledger.Wallet{}, classify("create wallet", err)
	}
	return t.FindWallet(ctx, userID, currencyID)
}

// LockWallets takes row locks one id at a time in ascending order.
func (t *tx) LockWallets(ctx context.Context, ids ...int64) (map[int64]ledger.Wallet, error) {
	out := make(map[int64]ledger.Wallet, len(ids))
	for _, id := range sortedIDs(ids) {
		w, err := scanWallet(t.tx.QueryRowContext(ctx,
			`select `+walletColumns+` from wallets where id = $1 for update`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.Errorf(ledger.ErrWalletNotFound, "wallet %d", id)
		}
		if err != nil {
			return nil, classify("lock wallet", err)
		}
		out[id] = w
	}
	return out, nil
}

func (t *tx) SetBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`update wallets set balance = $2, updated_at = now() where id = $1`, walletID, balance)
	if err != nil {
		return classify("set balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Errorf(ledger.ErrWalletNotFound, "wallet %d", walletID)
	}
	return nil
}

func (t *tx) SetWalletActive(ctx context.Context, walletID int64, active bool) (ledger.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRowContext(ctx,
		`update wallets set is_active = $2, updated_at = now() where id = $1 returning `+walletColumns, walletID, active))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.Errorf(ledger.ErrWalletNotFound, "wallet %d", walletID)
	}
	if err != nil {
		return ledger.Wallet{}, classify("set wallet active", err)
	}
	return w, nil
}

func scanWallet(row rowScanner) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.CurrencyID, &w.Balance, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		kind, status string
		reason       string
		source, dest sql.NullInt64
		details      []byte
		resolvedAt   sql.NullTime
	)
	err := row.Scan(&e.Sequence, &e.TransactionID, &kind, &status, &e.UserID, &source, &dest,
		&e.CurrencyID, &e.CurrencyCode, &e.GrossAmount, &e.FeeAmount, &e.NetAmount, &e.Note, &details,
		&e.ExternalReference, &reason, &e.ResolvedBy, &e.ResolutionNote, &resolvedAt, &e.Fingerprint,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.Kind, e.Status, e.Reason = ledger.Kind(kind), ledger.Status(status), ledger.Code(reason)
	if source.Valid {
		e.SourceWalletID = &source.Int64
	}
	if dest.Valid {
		e.DestinationWalletID = &dest.Int64
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		e.ResolvedAt = &at
	}
	if len(details) > 0 {
		var d ledger.Details
		if err := json.Unmarshal(details, &d); err != nil {
			return ledger.Entry{}, fmt.Errorf("decode details of %s: %w", e.TransactionID, err)
		}
		e.SetDetails(d)
	}
	return e, nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
