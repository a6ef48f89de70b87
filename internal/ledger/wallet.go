package ledger

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// walletSet holds the wallets locked by one engine transaction. Balances are
// changed in memory and written back by flush.
type walletSet struct {
	tx    Tx
	byID  map[int64]Wallet
	dirty map[int64]bool
}

// lockWallets locks every wallet the operation touches in one call, in
// ascending id order, so two operations crossing the same wallets cannot deadlock.
func lockWallets(ctx context.Context, tx Tx, ids ...int64) (*walletSet, error) {
	uniq := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	locked, err := tx.LockWallets(ctx, uniq...)
	if err != nil {
		return nil, err
	}
	return &walletSet{tx: tx, byID: locked, dirty: map[int64]bool{}}, nil
}

func (s *walletSet) get(id int64) (Wallet, error) {
	w, ok := s.byID[id]
	if !ok {
		return Wallet{}, Errorf(ErrWalletNotFound, "wallet %d not locked", id)
	}
	return w, nil
}

// debit fails with ErrInsufficientFunds rather than letting the balance go negative.
func (s *walletSet) debit(id int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	w, err := s.get(id)
	if err != nil {
		return err
	}
	if !w.Active {
		return Errorf(ErrWalletInactive, "wallet %d", id)
	}
	if w.Balance.LessThan(amount) {
		return Errorf(ErrInsufficientFunds, "balance %s < %s", w.Balance, amount)
	}
	w.Balance = w.Balance.Sub(amount)
	s.byID[id] = w
	s.dirty[id] = true
	return nil
}

func (s *walletSet) credit(id int64, amount decimal.Decimal) error {
	w, err := s.get(id)
	if err != nil {
		return err
	}
	if !w.Active {
		return Errorf(ErrWalletInactive, "wallet %d", id)
	}
	return s.add(w, amount)
}

// refund returns held funds; it is allowed on wallets deactivated after the hold.
func (s *walletSet) refund(id int64, amount decimal.Decimal) error {
	w, err := s.get(id)
	if err != nil {
		return err
	}
	return s.add(w, amount)
}

func (s *walletSet) add(w Wallet, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	w.Balance = w.Balance.Add(amount)
	s.byID[w.ID] = w
	s.dirty[w.ID] = true
	return nil
}

// flush writes changed balances back in ascending id order.
func (s *walletSet) flush(ctx context.Context) error {
	ids := make([]int64, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := s.tx.SetBalance(ctx, id, s.byID[id].Balance); err != nil {
			return err
		}
	}
	return nil
}

// RegisterUser opens a zero balance wallet in every catalog currency.
// Calling it again for the same user is harmless.
func (e *Engine) RegisterUser(ctx context.Context, userID string) ([]Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, Errorf(ErrInvalidRequest, "user id is required")
	}
	currencies, err := e.catalog.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Wallet
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		out = out[:0]
		for _, cur := range currencies {
			w, err := tx.GetOrCreateWallet(ctx, userID, cur.ID)
			if err != nil {
				return err
			}
			out = append(out, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenWallet returns the user's wallet in currencyCode, creating it with a zero balance.
func (e *Engine) OpenWallet(ctx context.Context, userID, currencyCode string) (Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Wallet{}, Errorf(ErrInvalidRequest, "user id is required")
	}
	cur, err := e.catalog.ByCode(ctx, currencyCode)
	if err != nil {
		return Wallet{}, err
	}
	var w Wallet
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		w, err = tx.GetOrCreateWallet(ctx, userID, cur.ID)
		return err
	})
	return w, err
}

// DeactivateWallet blocks further debits and credits; held funds can still be refunded.
func (e *Engine) DeactivateWallet(ctx context.Context, walletID int64) (Wallet, error) {
	return e.setWalletActive(ctx, walletID, false)
}

// ActivateWallet reverses DeactivateWallet.
func (e *Engine) ActivateWallet(ctx context.Context, walletID int64) (Wallet, error) {
	return e.setWalletActive(ctx, walletID, true)
}

func (e *Engine) setWalletActive(ctx context.Context, walletID int64, active bool) (Wallet, error) {
	var w Wallet
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockWallets(ctx, walletID); err != nil {
			return err
		}
		var err error
		w, err = tx.SetWalletActive(ctx, walletID, active)
		return err
	})
	return w, err
}

// Wallet returns a wallet by id.
func (e *Engine) Wallet(ctx context.Context, walletID int64) (Wallet, error) {
	return e.store.Wallet(ctx, walletID)
}

// Wallets lists the wallets of a user.
func (e *Engine) Wallets(ctx context.Context, userID string) ([]Wallet, error) {
	return e.store.WalletsByUser(ctx, userID)
}

// Balance returns the balance of the user's wallet in currencyCode.
func (e *Engine) Balance(ctx context.Context, userID, currencyCode string) (decimal.Decimal, error) {
	cur, err := e.catalog.ByCode(ctx, currencyCode)
	if err != nil {
		return decimal.Zero, err
	}
	wallets, err := e.store.WalletsByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, w := range wallets {
		if w.CurrencyID == cur.ID {
			return w.Balance, nil
		}
	}
	return decimal.Zero, Errorf(ErrWalletNotFound, "%s has no %s wallet", userID, cur.Code)
}
