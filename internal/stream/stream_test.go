package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"qazna.org/wallet/internal/ledger"
)

func TestHubFanOutAndFilter(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := h.Subscribe(ctx, "")
	bobOnly := h.Subscribe(ctx, "bob")

	_ = h.Publish(ctx, ledger.Entry{TransactionID: "t1", UserID: "alice", Status: ledger.StatusCompleted, GrossAmount: decimal.RequireFromString("5")})
	_ = h.Publish(ctx, ledger.Entry{TransactionID: "t2", UserID: "bob", Status: ledger.StatusPending})

	got := []string{(<-all).TransactionID, (<-all).TransactionID}
	if got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("all = %v", got)
	}
	select {
	case evt := <-bobOnly:
		if evt.TransactionID != "t2" || evt.Status != ledger.StatusPending {
			t.Fatalf("bob got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("bob got nothing")
	}
	select {
	case evt := <-bobOnly:
		t.Fatalf("unexpected %+v", evt)
	default:
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = h.Subscribe(ctx, "")
	for i := 0; i < 20; i++ {
		_ = h.Publish(ctx, ledger.Entry{TransactionID: "t"})
	}
	if h.Dropped() != 4 {
		t.Fatalf("dropped = %d", h.Dropped())
	}
}

func TestHubUnsubscribeOnCancel(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	if n := h.Subscribers(); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}

type walletOwners map[int64]string

func (w walletOwners) Wallet(_ context.Context, id int64) (ledger.Wallet, error) {
	owner, ok := w[id]
	if !ok {
		return ledger.Wallet{}, errors.New("no wallet")
	}
	return ledger.Wallet{ID: id, UserID: owner}, nil
}

func TestHubRoutesToDestinationOwner(t *testing.T) {
	owners := walletOwners{1: "alice", 2: "bob"}
	src, dst, own := int64(1), int64(2), int64(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New(WithWallets(owners))
	bob := h.Subscribe(ctx, "bob")
	carol := h.Subscribe(ctx, "carol")

	_ = h.Publish(ctx, ledger.Entry{TransactionID: "self", UserID: "alice", DestinationWalletID: &own})
	_ = h.Publish(ctx, ledger.Entry{TransactionID: "tr", UserID: "alice", SourceWalletID: &src, DestinationWalletID: &dst})

	select {
	case evt := <-bob:
		if evt.TransactionID != "tr" || evt.RecipientID != "bob" || evt.UserID != "alice" {
			t.Fatalf("bob got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("bob got nothing")
	}
	select {
	case evt := <-bob:
		t.Fatalf("bob got extra %+v", evt)
	case evt := <-carol:
		t.Fatalf("carol got %+v", evt)
	default:
	}

	// without a wallet reader only the initiator matches
	plain := New()
	bobPlain := plain.Subscribe(ctx, "bob")
	_ = plain.Publish(ctx, ledger.Entry{TransactionID: "tr", UserID: "alice", DestinationWalletID: &dst})
	select {
	case evt := <-bobPlain:
		t.Fatalf("bob got %+v", evt)
	default:
	}
}
