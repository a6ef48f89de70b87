package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// InMemory is a Store keeping everything in process memory. Wallet and entry
// locks are held until the transaction ends; writes become visible
// atomically on commit. It backs tests and single node demos.
type InMemory struct {
	mu         sync.RWMutex
	wallets    map[int64]*memWallet
	byOwner    map[walletKey]int64
	entries    map[string]Entry
	order      []string
	entryLocks map[string]chan struct{}
	seq        uint64
	nextWallet int64
	now        func() time.Time
}

type walletKey struct {
	userID     string
	currencyID int64
}

type memWallet struct {
	w    Wallet
	lock chan struct{}
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		wallets:    map[int64]*memWallet{},
		byOwner:    map[walletKey]int64{},
		entries:    map[string]Entry{},
		entryLocks: map[string]chan struct{}{},
		now:        time.Now,
	}
}

// errWalletRace aborts a commit whose new wallet was created by another
// transaction first; RunInTx reruns fn, which then finds that wallet.
var errWalletRace = errors.New("memory store: wallet created concurrently")

func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for {
		err := s.runOnce(ctx, fn)
		if !errors.Is(err, errWalletRace) || ctx.Err() != nil {
			return err
		}
	}
}

func (s *InMemory) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		s:       s,
		held:    map[int64]bool{},
		entries: map[string]chan struct{}{},
		wallets: map[int64]Wallet{},
		created: map[walletKey]int64{},
		updates: map[string]Entry{},
	}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *InMemory) Entry(_ context.Context, transactionID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[transactionID]
	if !ok {
		return Entry{}, Errorf(ErrEntryNotFound, "%s", transactionID)
	}
	return cloneEntry(e), nil
}

func (s *InMemory) ListEntries(_ context.Context, f Filter) ([]Entry, uint64, error) {
	f = f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		out  []Entry
		next uint64
	)
	for _, id := range s.order {
		e := s.entries[id]
		if !f.Matches(e) {
			continue
		}
		out = append(out, cloneEntry(e))
		next = e.Sequence
		if len(out) == f.Limit {
			break
		}
	}
	return out, next, nil
}

func (s *InMemory) PendingBefore(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		e := s.entries[id]
		if e.Status != StatusPending || !e.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemory) Wallet(_ context.Context, id int64) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mw, ok := s.wallets[id]
	if !ok {
		return Wallet{}, Errorf(ErrWalletNotFound, "wallet %d", id)
	}
	return mw.w, nil
}

func (s *InMemory) WalletsByUser(_ context.Context, userID string) ([]Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Wallet
	for _, mw := range s.wallets {
		if mw.w.UserID == userID {
			out = append(out, mw.w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct {
	s       *InMemory
	held    map[int64]bool
	locks   []chan struct{}
	entries map[string]chan struct{}
	wallets map[int64]Wallet
	// created wallets stay private to the tx until commit
	created map[walletKey]int64
	inserts []Entry
	targets []*Entry
	updates map[string]Entry
}

func acquire(ctx context.Context, lock chan struct{}) error {
	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire lock: %w", ctx.Err())
	}
}

func (t *memTx) release() {
	for _, l := range t.locks {
		<-l
	}
	for _, l := range t.entries {
		<-l
	}
	t.locks, t.entries = nil, nil
}

func (t *memTx) staged(transactionID string) (Entry, bool) {
	if e, ok := t.updates[transactionID]; ok {
		return e, true
	}
	for _, e := range t.inserts {
		if e.TransactionID == transactionID {
			return e, true
		}
	}
	return Entry{}, false
}

func (t *memTx) FindEntry(_ context.Context, transactionID string) (Entry, bool, error) {
	if e, ok := t.staged(transactionID); ok {
		return cloneEntry(e), true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	e, ok := t.s.entries[transactionID]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func (t *memTx) LockEntry(ctx context.Context, transactionID string) (Entry, error) {
	if _, ok := t.entries[transactionID]; !ok {
		t.s.mu.Lock()
		if _, exists := t.s.entries[transactionID]; !exists {
			t.s.mu.Unlock()
			return Entry{}, Errorf(ErrEntryNotFound, "%s", transactionID)
		}
		lock, ok := t.s.entryLocks[transactionID]
		if !ok {
			lock = make(chan struct{}, 1)
			t.s.entryLocks[transactionID] = lock
		}
		t.s.mu.Unlock()
		if err := acquire(ctx, lock); err != nil {
			return Entry{}, err
		}
		t.entries[transactionID] = lock
	}
	e, ok, err := t.FindEntry(ctx, transactionID)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, Errorf(ErrEntryNotFound, "%s", transactionID)
	}
	return e, nil
}

func (t *memTx) InsertEntry(_ context.Context, e *Entry) error {
	if _, ok := t.staged(e.TransactionID); ok {
		return Errorf(ErrDuplicateTransaction, "%s", e.TransactionID)
	}
	t.s.mu.RLock()
	_, exists := t.s.entries[e.TransactionID]
	t.s.mu.RUnlock()
	if exists {
		return Errorf(ErrDuplicateTransaction, "%s", e.TransactionID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.s.now().UTC()
		e.UpdatedAt = e.CreatedAt
	}
	// Sequence is assigned on commit so it follows commit order.
	t.inserts = append(t.inserts, cloneEntry(*e))
	t.targets = append(t.targets, e)
	return nil
}

func (t *memTx) UpdateEntry(_ context.Context, e Entry) error {
	if _, ok := t.entries[e.TransactionID]; !ok {
		return fmt.Errorf("memory store: entry %s updated without lock", e.TransactionID)
	}
	t.updates[e.TransactionID] = cloneEntry(e)
	return nil
}

func (t *memTx) FindWallet(_ context.Context, userID string, currencyID int64) (Wallet, error) {
	if id, ok := t.created[walletKey{userID, currencyID}]; ok {
		return t.wallets[id], nil
	}
	t.s.mu.RLock()
	id, ok := t.s.byOwner[walletKey{userID, currencyID}]
	var w Wallet
	if ok {
		w = t.s.wallets[id].w
	}
	t.s.mu.RUnlock()
	if !ok {
		return Wallet{}, Errorf(ErrWalletNotFound, "%s has no wallet in currency %d", userID, currencyID)
	}
	if staged, ok := t.wallets[id]; ok {
		return staged, nil
	}
	return w, nil
}

func (t *memTx) GetOrCreateWallet(ctx context.Context, userID string, currencyID int64) (Wallet, error) {
	if w, err := t.FindWallet(ctx, userID, currencyID); err == nil {
		return w, nil
	}
	t.s.mu.Lock()
	t.s.nextWallet++
	id := t.s.nextWallet
	t.s.mu.Unlock()
	now := t.s.now().UTC()
	w := Wallet{
		ID:         id,
		UserID:     userID,
		CurrencyID: currencyID,
		Balance:    decimal.Zero,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.created[walletKey{userID, currencyID}] = w.ID
	t.wallets[w.ID] = w
	t.held[w.ID] = true
	return w, nil
}

func (t *memTx) LockWallets(ctx context.Context, ids ...int64) (map[int64]Wallet, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make(map[int64]Wallet, len(sorted))
	for _, id := range sorted {
		if !t.held[id] {
			t.s.mu.RLock()
			mw, ok := t.s.wallets[id]
			t.s.mu.RUnlock()
			if !ok {
				return nil, Errorf(ErrWalletNotFound, "wallet %d", id)
			}
			if err := acquire(ctx, mw.lock); err != nil {
				return nil, err
			}
			t.held[id] = true
			t.locks = append(t.locks, mw.lock)
		}
		w, ok := t.wallets[id]
		if !ok {
			t.s.mu.RLock()
			w = t.s.wallets[id].w
			t.s.mu.RUnlock()
		}
		out[id] = w
	}
	return out, nil
}

func (t *memTx) lockedWallet(id int64) (Wallet, error) {
	if !t.held[id] {
		return Wallet{}, fmt.Errorf("memory store: wallet %d changed without lock", id)
	}
	if w, ok := t.wallets[id]; ok {
		return w, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.wallets[id].w, nil
}

func (t *memTx) SetBalance(_ context.Context, walletID int64, balance decimal.Decimal) error {
	w, err := t.lockedWallet(walletID)
	if err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("memory store: wallet %d balance %s below zero", walletID, balance)
	}
	w.Balance = balance
	w.UpdatedAt = t.s.now().UTC()
	t.wallets[walletID] = w
	return nil
}

func (t *memTx) SetWalletActive(_ context.Context, walletID int64, active bool) (Wallet, error) {
	w, err := t.lockedWallet(walletID)
	if err != nil {
		return Wallet{}, err
	}
	w.Active = active
	w.UpdatedAt = t.s.now().UTC()
	t.wallets[walletID] = w
	return w, nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range t.created {
		if _, ok := s.byOwner[key]; ok {
			return errWalletRace
		}
	}
	for _, e := range t.inserts {
		if _, ok := s.entries[e.TransactionID]; ok {
			return Errorf(ErrDuplicateTransaction, "%s", e.TransactionID)
		}
	}
	for key, id := range t.created {
		s.wallets[id] = &memWallet{lock: make(chan struct{}, 1)}
		s.byOwner[key] = id
	}
	for id, w := range t.wallets {
		s.wallets[id].w = w
	}
	for i, e := range t.inserts {
		s.seq++
		e.Sequence = s.seq
		t.targets[i].Sequence = s.seq
		s.entries[e.TransactionID] = e
		s.order = append(s.order, e.TransactionID)
	}
	for id, e := range t.updates {
		s.entries[id] = e
	}
	return nil
}

func cloneEntry(e Entry) Entry {
	if e.SourceWalletID != nil {
		e.SourceWalletID = int64Ptr(*e.SourceWalletID)
	}
	if e.DestinationWalletID != nil {
		e.DestinationWalletID = int64Ptr(*e.DestinationWalletID)
	}
	if e.Payee != nil {
		p := *e.Payee
		if p.Card != nil {
			c := *p.Card
			p.Card = &c
		}
		e.Payee = &p
	}
	if e.Merchant != nil {
		m := *e.Merchant
		e.Merchant = &m
	}
	if e.Exchange != nil {
		x := *e.Exchange
		e.Exchange = &x
	}
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		e.ResolvedAt = &at
	}
	return e
}
