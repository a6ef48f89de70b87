package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"qazna.org/wallet/internal/ledger"
)

func (s *Store) Entry(ctx context.Context, transactionID string) (ledger.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`select `+entryColumns+` from ledger_entries where transaction_id = $1`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.Errorf(ledger.ErrEntryNotFound, "%s", transactionID)
	}
	if err != nil {
		return ledger.Entry{}, classify("get entry", err)
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, f ledger.Filter) ([]ledger.Entry, uint64, error) {
	f = f.Normalize()
	args := []any{f.After}
	where := []string{"sequence > $1"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.WalletID != 0 {
		add("(source_wallet_id = ? or destination_wallet_id = ?)", f.WalletID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Kind != "" {
		add("kind = ?", string(f.Kind))
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`select %s from ledger_entries where %s order by sequence asc limit $%d`,
		entryColumns, strings.Join(where, " and "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, classify("list entries", err)
	}
	defer rows.Close()

	var (
		res  []ledger.Entry
		last uint64
	)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, e)
		last = e.Sequence
	}
	return res, last, rows.Err()
}

func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select transaction_id from ledger_entries
		where status = 'pending' and created_at < $1
		order by created_at asc
		limit $2
	`, cutoff, limit)
	if err != nil {
		return nil, classify("pending entries", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Wallet(ctx context.Context, id int64) (ledger.Wallet, error) {
	w, err := scanWallet(s.db.QueryRowContext(ctx, `select `+walletColumns+` from wallets where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.Errorf(ledger.ErrWalletNotFound, "wallet %d", id)
	}
	if err != nil {
		return ledger.Wallet{}, classify("get wallet", err)
	}
	return w, nil
}

func (s *Store) WalletsByUser(ctx context.Context, userID string) ([]ledger.Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+walletColumns+` from wallets where user_id = $1 order by id`, userID)
	if err != nil {
		return nil, classify("list wallets", err)
	}
	defer rows.Close()
	var out []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Merchant reads active merchant configuration.
func (s *Store) Merchant(ctx context.Context, merchantID string) (ledger.Merchant, error) {
	var m ledger.Merchant
	err := s.db.QueryRowContext(ctx, `
		select id, owner_user_id, currency_code, fee_rate
		from merchants where id = $1 and is_active
	`, merchantID).Scan(&m.ID, &m.OwnerUserID, &m.CurrencyCode, &m.FeeRate)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Merchant{}, ledger.Errorf(ledger.ErrMerchantNotFound, "%s", merchantID)
	}
	if err != nil {
		return ledger.Merchant{}, classify("get merchant", err)
	}
	return m, nil
}

// CreateMerchant registers or updates a merchant.
func (s *Store) CreateMerchant(ctx context.Context, m ledger.Merchant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into merchants (id, owner_user_id, currency_code, fee_rate)
		values ($1, $2, upper($3), $4)
		on conflict (id) do update
		set owner_user_id = excluded.owner_user_id, currency_code = excluded.currency_code,
			fee_rate = excluded.fee_rate, is_active = true
	`, m.ID, m.OwnerUserID, m.CurrencyCode, m.FeeRate)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return ledger.Errorf(ledger.ErrCurrencyNotFound, "%q", m.CurrencyCode)
		}
		return classify("create merchant", err)
	}
	return nil
}

// ResolveUser maps an email or phone alias to its user id. Identifiers with
// no alias are taken as user ids.
func (s *Store) ResolveUser(ctx context.Context, identifier string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`select user_id from recipient_aliases where alias = $1`,
		strings.ToLower(strings.TrimSpace(identifier))).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return identifier, nil
	}
	if err != nil {
		return "", classify("resolve recipient", err)
	}
	return userID, nil
}

// RegisterAlias points alias at userID, replacing any previous owner.
func (s *Store) RegisterAlias(ctx context.Context, alias, userID string) error {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" || strings.TrimSpace(userID) == "" {
		return ledger.Errorf(ledger.ErrInvalidRequest, "alias and user id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into recipient_aliases (alias, user_id) values ($1, $2)
		on conflict (alias) do update set user_id = excluded.user_id
	`, alias, userID)
	if err != nil {
		return classify("register alias", err)
	}
	return nil
}

// Currencies loads the currency catalog ordered by id.
func (s *Store) Currencies(ctx context.Context) ([]ledger.Currency, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, code, symbol, fee_rate, decimal_places from currencies order by id`)
	if err != nil {
		return nil, classify("list currencies", err)
	}
	defer rows.Close()
	var out []ledger.Currency
	for rows.Next() {
		var c ledger.Currency
		if err := rows.Scan(&c.ID, &c.Code, &c.Symbol, &c.FeeRate, &c.DecimalPlaces); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadCatalog builds an in-process catalog from the currencies table.
func (s *Store) LoadCatalog(ctx context.Context) (*ledger.StaticCatalog, error) {
	currencies, err := s.Currencies(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.NewStaticCatalog(currencies...)
}

// CreateCurrency inserts a currency and returns it with its id.
func (s *Store) CreateCurrency(ctx context.Context, code, symbol string, feeRate decimal.Decimal, decimalPlaces int32) (ledger.Currency, error) {
	c := ledger.Currency{Code: strings.ToUpper(strings.TrimSpace(code)), Symbol: symbol, FeeRate: feeRate, DecimalPlaces: decimalPlaces}
	err := s.db.QueryRowContext(ctx, `
		insert into currencies (code, symbol, fee_rate, decimal_places)
		values ($1, $2, $3, $4)
		returning id
	`, c.Code, c.Symbol, c.FeeRate, c.DecimalPlaces).Scan(&c.ID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ledger.Currency{}, ledger.Errorf(ledger.ErrInvalidRequest, "currency %s exists", c.Code)
		}
		return ledger.Currency{}, classify("create currency", err)
	}
	return c, nil
}
