package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists wallets and ledger entries.
type Store interface {
	// RunInTx executes fn in one atomic unit. Either every write made through tx
	// becomes visible or none does. Implementations may retry fn on transient
	// conflicts, so fn must not have side effects outside tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Entry(ctx context.Context, transactionID string) (Entry, error)
	ListEntries(ctx context.Context, f Filter) ([]Entry, uint64, error)
	// PendingBefore returns transaction ids of pending entries created before cutoff, oldest first.
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	Wallet(ctx context.Context, id int64) (Wallet, error)
	WalletsByUser(ctx context.Context, userID string) ([]Wallet, error)
}

// Tx is the unit of work handed to RunInTx callbacks.
type Tx interface {
	// FindEntry looks an entry up without locking it.
	FindEntry(ctx context.Context, transactionID string) (Entry, bool, error)
	// LockEntry returns the entry locked for update or ErrEntryNotFound.
	LockEntry(ctx context.Context, transactionID string) (Entry, error)
	// InsertEntry assigns CreatedAt, and Sequence no later than commit.
	// Sequences follow commit order, so a reader paging by Sequence never
	// sees a later entry before an earlier one. A transaction id collision
	// yields ErrDuplicateTransaction. e must stay valid until RunInTx returns.
	InsertEntry(ctx context.Context, e *Entry) error
	// UpdateEntry persists status and resolution fields of a locked entry.
	UpdateEntry(ctx context.Context, e Entry) error

	// FindWallet resolves (user, currency) without locking, or ErrWalletNotFound.
	FindWallet(ctx context.Context, userID string, currencyID int64) (Wallet, error)
	GetOrCreateWallet(ctx context.Context, userID string, currencyID int64) (Wallet, error)
	// LockWallets locks the given wallets in ascending id order and returns
	// their current state. Missing ids yield ErrWalletNotFound.
	LockWallets(ctx context.Context, ids ...int64) (map[int64]Wallet, error)
	// SetBalance writes the balance of a wallet locked by this transaction.
	SetBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error
	SetWalletActive(ctx context.Context, walletID int64, active bool) (Wallet, error)
}
