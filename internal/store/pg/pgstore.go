// Package pg is the PostgreSQL ledger store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/wallet/internal/ledger"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"
	pgErrLockNotAvailable    = "55P03"
)

// Store keeps wallets and ledger entries in PostgreSQL. Transactions run at
// read committed with explicit row locks; serialization failures and
// deadlocks are retried as a whole.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	retries     int
}

var (
	_ ledger.Store             = (*Store)(nil)
	_ ledger.MerchantDirectory = (*Store)(nil)
	_ ledger.Directory         = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock.
func WithLockTimeout(d time.Duration) Option { return func(s *Store) { s.lockTimeout = d } }

// WithRetries sets how many times a transaction is retried after a
// serialization failure or deadlock.
func WithRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, lockTimeout: 5 * time.Second, retries: 3}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil || !retryable(err) || attempt >= s.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("set local lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}
	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ledger.ErrDuplicateTransaction
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgErrSerialization || pgErr.Code == pgErrDeadlock)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// classify maps constraint violations to ledger errors and wraps the rest.
func classify(op string, err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			if pgErr.ConstraintName == "ledger_entries_transaction_id_key" {
				return ledger.ErrDuplicateTransaction
			}
		case pgErrForeignKeyViolation:
			if pgErr.ConstraintName == "wallets_currency_id_fkey" {
				return ledger.ErrCurrencyNotFound
			}
		case pgErrCheckViolation:
			if pgErr.ConstraintName == "wallets_balance_check" {
				return ledger.ErrInsufficientFunds
			}
		case pgErrLockNotAvailable:
			return fmt.Errorf("%s: lock timeout: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
