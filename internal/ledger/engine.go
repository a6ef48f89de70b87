package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"qazna.org/wallet/internal/ids"
	"qazna.org/wallet/internal/obs"
)

// Engine is the single entry point for balance changing operations. Each
// operation validates its input, resolves collaborators outside of any
// store transaction, then applies wallet deltas and the ledger entry in one
// RunInTx call. Engine is safe for concurrent use.
type Engine struct {
	store           Store
	catalog         Catalog
	directory       Directory
	merchants       MerchantDirectory
	acquirer        Acquirer
	acquirerTimeout time.Duration
	rates           RateSource
	publisher       Publisher
	log             *zap.Logger
	feeCollector    string
	now             func() time.Time
	newID           func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithDirectory sets the recipient resolver used by internal transfers.
func WithDirectory(d Directory) Option {
	return func(e *Engine) {
		if d != nil {
			e.directory = d
		}
	}
}

// WithMerchants sets the merchant configuration source.
func WithMerchants(m MerchantDirectory) Option { return func(e *Engine) { e.merchants = m } }

// WithAcquirer enables card payouts; timeout bounds each authorization call.
func WithAcquirer(a Acquirer, timeout time.Duration) Option {
	return func(e *Engine) {
		e.acquirer = a
		if timeout > 0 {
			e.acquirerTimeout = timeout
		}
	}
}

// WithRates sets the quote source used when an exchange request carries no rate.
func WithRates(r RateSource) Option { return func(e *Engine) { e.rates = r } }

// WithPublisher receives every committed entry and transition.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithFeeCollector credits collected fees to the given user's wallets.
// Without it fees are recorded on entries only.
func WithFeeCollector(userID string) Option {
	return func(e *Engine) { e.feeCollector = strings.TrimSpace(userID) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides transaction id generation, for tests.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// NewEngine builds an engine over store and catalog.
func NewEngine(store Store, catalog Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		catalog:         catalog,
		directory:       IdentityDirectory,
		acquirerTimeout: 10 * time.Second,
		log:             obs.Logger(),
		now:             time.Now,
		newID:           ids.Transaction,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Entry returns a ledger entry by transaction id.
func (e *Engine) Entry(ctx context.Context, transactionID string) (Entry, error) {
	return e.store.Entry(ctx, transactionID)
}

// History pages through entries; the second result is the cursor for the next page.
func (e *Engine) History(ctx context.Context, f Filter) ([]Entry, uint64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, Errorf(ErrInvalidRequest, "status %q", f.Status)
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, 0, Errorf(ErrInvalidRequest, "kind %q", f.Kind)
	}
	return e.store.ListEntries(ctx, f.Normalize())
}

// movement is one prepared money movement: the entry template and the step
// applying it inside the store transaction.
type movement struct {
	op    string
	entry Entry
	apply func(ctx context.Context, tx Tx, entry *Entry) error
}

// execute runs m idempotently. The bool result reports an idempotent replay.
// Entries committed in a failed state come back together with the error
// describing the failure, on the first call and on every replay.
func (e *Engine) execute(ctx context.Context, m movement) (Entry, bool, error) {
	start := time.Now()
	entry, replayed, err := e.commit(ctx, m)
	if err != nil {
		e.finish(m.op, m.entry.TransactionID, start, err)
		return Entry{}, false, err
	}
	if !replayed {
		e.publish(ctx, entry)
	}
	failure := entryError(entry)
	switch {
	case failure != nil:
		e.finish(m.op, entry.TransactionID, start, failure)
	case replayed:
		obs.ObserveOperation(m.op, "replay", time.Since(start))
		e.log.Info("ledger operation replayed",
			zap.String("op", m.op), zap.String("transaction_id", entry.TransactionID), zap.String("status", string(entry.Status)))
	default:
		obs.ObserveOperation(m.op, "ok", time.Since(start))
		e.log.Info("ledger operation",
			zap.String("op", m.op),
			zap.String("transaction_id", entry.TransactionID),
			zap.String("kind", string(entry.Kind)),
			zap.String("status", string(entry.Status)),
			zap.String("currency", entry.CurrencyCode),
			zap.String("gross", entry.GrossAmount.String()),
			zap.String("fee", entry.FeeAmount.String()),
			zap.Duration("took", time.Since(start)),
		)
	}
	return entry, replayed, failure
}

func (e *Engine) commit(ctx context.Context, m movement) (Entry, bool, error) {
	var (
		out      Entry
		replayed bool
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		replayed = false
		existing, ok, err := tx.FindEntry(ctx, m.entry.TransactionID)
		if err != nil {
			return err
		}
		if ok {
			if existing.Fingerprint != m.entry.Fingerprint {
				return Errorf(ErrDuplicateTransaction, "%s", m.entry.TransactionID)
			}
			out, replayed = existing, true
			return nil
		}
		// out is inserted by pointer; stores may fill Sequence in on commit
		out = m.entry
		now := e.now().UTC()
		out.CreatedAt, out.UpdatedAt = now, now
		if err := m.apply(ctx, tx, &out); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, &out)
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		// A concurrent request with the same id may have committed first.
		existing, getErr := e.store.Entry(ctx, m.entry.TransactionID)
		if getErr == nil && existing.Fingerprint == m.entry.Fingerprint {
			return existing, true, nil
		}
		return Entry{}, false, err
	}
	if err != nil {
		return Entry{}, false, err
	}
	return out, replayed, nil
}

// reject records an operation refused during validation.
func (e *Engine) reject(op string, err error) error {
	e.finish(op, "", time.Now(), err)
	return err
}

func (e *Engine) finish(op, transactionID string, start time.Time, err error) {
	code := CodeOf(err)
	outcome := string(code)
	if code == "" {
		outcome = "error"
	}
	obs.ObserveOperation(op, outcome, time.Since(start))
	fields := []zap.Field{zap.String("op", op), zap.String("outcome", outcome), zap.Error(err)}
	if transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if code == "" {
		e.log.Error("ledger operation failed", fields...)
		return
	}
	e.log.Info("ledger operation refused", fields...)
}

func (e *Engine) publish(ctx context.Context, entry Entry) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, entry); err != nil {
		e.log.Warn("publish ledger entry", zap.String("transaction_id", entry.TransactionID), zap.Error(err))
	}
}

// prepare validates the fields shared by all single currency movements.
func (e *Engine) prepare(ctx context.Context, transactionID, userID, currencyCode string, amount decimal.Decimal) (Currency, string, error) {
	if strings.TrimSpace(userID) == "" {
		return Currency{}, "", Errorf(ErrInvalidRequest, "user id is required")
	}
	id, err := e.transactionID(transactionID)
	if err != nil {
		return Currency{}, "", err
	}
	cur, err := e.catalog.ByCode(ctx, currencyCode)
	if err != nil {
		return Currency{}, "", err
	}
	if err := cur.ValidateAmount(amount); err != nil {
		return Currency{}, "", err
	}
	return cur, id, nil
}

func (e *Engine) transactionID(raw string) (string, error) {
	id, ok := ids.Normalize(raw)
	if !ok {
		return "", Errorf(ErrInvalidRequest, "transaction id must be printable ASCII up to %d characters", ids.MaxLength)
	}
	if id == "" {
		id = e.newID()
	}
	return id, nil
}

// feeWallet returns the wallet collecting fees in currencyID, or 0 when fees
// are not collected.
func (e *Engine) feeWallet(ctx context.Context, tx Tx, currencyID int64, fee decimal.Decimal) (int64, error) {
	if e.feeCollector == "" || !fee.IsPositive() {
		return 0, nil
	}
	w, err := tx.GetOrCreateWallet(ctx, e.feeCollector, currencyID)
	if err != nil {
		return 0, fmt.Errorf("fee wallet: %w", err)
	}
	return w.ID, nil
}

func collectFee(set *walletSet, walletID int64, fee decimal.Decimal) error {
	if walletID == 0 || !fee.IsPositive() {
		return nil
	}
	w, err := set.get(walletID)
	if err != nil {
		return err
	}
	return set.add(w, fee)
}

// entryError reconstructs the failure of an entry written in a failed state.
func entryError(entry Entry) error {
	if entry.Reason == "" {
		return nil
	}
	for _, s := range sentinels {
		if s.Code == entry.Reason {
			return Errorf(s, "transaction %s %s", entry.TransactionID, entry.Status)
		}
	}
	return &Error{Code: entry.Reason, Msg: fmt.Sprintf("transaction %s %s", entry.TransactionID, entry.Status)}
}

// fingerprint digests the request fields that decide the money effect, so a
// reused transaction id with a different request can be told from a retry.
func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
