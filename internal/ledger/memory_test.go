package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryRollback(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	id := fund(t, s, "alice", usd, "5")

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockWallets(ctx, id); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, id, d("1")); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, &Entry{TransactionID: "rb", Kind: KindDeposit, Status: StatusCompleted}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	assertBalance(t, s, id, "5")
	if _, err := s.Entry(ctx, "rb"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("entry visible after rollback: %v", err)
	}
}

func TestInMemoryLockHonoursContext(t *testing.T) {
	s := NewInMemory()
	id := fund(t, s, "alice", usd, "5")

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockWallets(ctx, id); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockWallets(ctx, id)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestInMemoryRejectsUnlockedWrites(t *testing.T) {
	s := NewInMemory()
	id := fund(t, s, "alice", usd, "5")
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SetBalance(ctx, id, d("7"))
	})
	if err == nil {
		t.Fatal("expected error for write without lock")
	}
	err = s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockWallets(ctx, id); err != nil {
			return err
		}
		return tx.SetBalance(ctx, id, d("-1"))
	})
	if err == nil {
		t.Fatal("expected error for negative balance")
	}
	assertBalance(t, s, id, "5")
}

func TestInMemoryEntriesAreCopies(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	src := int64(9)
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertEntry(ctx, &Entry{TransactionID: "c", SourceWalletID: &src, Merchant: &MerchantDetails{MerchantID: "m"}})
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.Entry(ctx, "c")
	got.Merchant.MerchantID = "changed"
	*got.SourceWalletID = 1
	again, _ := s.Entry(ctx, "c")
	if again.Merchant.MerchantID != "m" || *again.SourceWalletID != 9 {
		t.Fatalf("stored entry mutated: %+v", again)
	}
}

func TestFailedExchangeOpensNoWallet(t *testing.T) {
	e, s := newTestEngine(t, WithRates(rateTable{"USD/EUR": d("0.9")}))
	ctx := context.Background()
	fund(t, s, "alice", usd, "1.00")

	_, err := e.Exchange(ctx, ExchangeRequest{UserID: "alice", FromCurrency: "USD", ToCurrency: "EUR", Amount: d("5.00")})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v", err)
	}
	ws, err := s.WalletsByUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 1 || ws[0].CurrencyID != usd.ID {
		t.Fatalf("wallets = %+v", ws)
	}
}

func TestCreatedWalletPrivateUntilCommit(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	created := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	var ids []int64
	go func() {
		done <- s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			w, err := tx.GetOrCreateWallet(ctx, "carol", eur.ID)
			if err != nil {
				return err
			}
			ids = append(ids, w.ID)
			if len(ids) == 1 {
				close(created)
				<-release
			}
			return nil
		})
	}()
	<-created

	if ws, _ := s.WalletsByUser(ctx, "carol"); len(ws) != 0 {
		t.Fatalf("uncommitted wallet visible: %+v", ws)
	}

	// a second creator does not wait and commits first
	var winner int64
	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := tx.GetOrCreateWallet(ctx, "carol", eur.ID)
		winner = w.ID
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[1] != winner {
		t.Fatalf("attempts saw wallets %v, committed %d", ids, winner)
	}
	ws, err := s.WalletsByUser(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 1 || ws[0].ID != winner {
		t.Fatalf("wallets = %+v", ws)
	}
}

func TestSequenceFollowsCommitOrder(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "bob", usd, "0")

	inserted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			if err := tx.InsertEntry(ctx, &Entry{TransactionID: "slow", Kind: KindDeposit, Status: StatusCompleted}); err != nil {
				return err
			}
			close(inserted)
			<-release
			return nil
		})
	}()
	<-inserted

	fast, err := e.Deposit(ctx, DepositRequest{UserID: "bob", CurrencyCode: "USD", Amount: d("10")})
	if err != nil {
		t.Fatal(err)
	}
	page, next, err := e.History(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].TransactionID != fast.TransactionID || next != fast.Sequence {
		t.Fatalf("first page = %+v next = %d", page, next)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	page, _, err = e.History(ctx, Filter{After: next})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].TransactionID != "slow" {
		t.Fatalf("second page = %+v", page)
	}
	if page[0].Sequence <= fast.Sequence {
		t.Fatalf("sequence %d not after %d", page[0].Sequence, fast.Sequence)
	}
}
