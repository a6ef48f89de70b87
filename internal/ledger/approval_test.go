package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type merchantMap map[string]Merchant

func (m merchantMap) Merchant(_ context.Context, id string) (Merchant, error) {
	v, ok := m[id]
	if !ok {
		return Merchant{}, Errorf(ErrMerchantNotFound, "%s", id)
	}
	return v, nil
}

var coffee = merchantMap{
	"m-coffee": {ID: "m-coffee", OwnerUserID: "shop", CurrencyCode: "USD", FeeRate: decimal.RequireFromString("0.01")},
}

type stubAcquirer struct {
	mu    sync.Mutex
	calls int
	auth  Authorization
	err   error
}

func (a *stubAcquirer) Authorize(_ context.Context, _ CardDetails, _ decimal.Decimal, _ string) (Authorization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.auth, a.err
}

func TestPendingTransferApproval(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "100.00")
	b := fund(t, s, "bob", usd, "0")

	entry, err := e.InternalTransfer(ctx, TransferRequest{TransactionID: "p-1", SenderID: "alice", Recipient: "bob", CurrencyCode: "USD", Amount: d("50"), PayoutMethod: "bank"})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusPending {
		t.Fatalf("status = %s", entry.Status)
	}
	assertBalance(t, s, a, "50.00")
	assertBalance(t, s, b, "0")

	approved, err := e.Resolve(ctx, ResolveRequest{TransactionID: "p-1", Status: StatusApproved, Actor: "admin-1", Note: "checked"})
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != StatusApproved || approved.ResolvedBy != "admin-1" || approved.ResolvedAt == nil {
		t.Fatalf("approved = %+v", approved)
	}
	assertBalance(t, s, b, "49.50")

	for _, target := range []Status{StatusApproved, StatusCancelled, StatusRejected} {
		if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "p-1", Status: target, Actor: "admin-1"}); !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("%s after approval: %v", target, err)
		}
	}
	assertBalance(t, s, a, "50.00")
	assertBalance(t, s, b, "49.50")
}

func TestPendingTransferCancellationRefunds(t *testing.T) {
	for _, target := range []Status{StatusCancelled, StatusRejected} {
		t.Run(string(target), func(t *testing.T) {
			e, s := newTestEngine(t)
			ctx := context.Background()
			a := fund(t, s, "alice", usd, "100.00")
			b := fund(t, s, "bob", usd, "0")

			if _, err := e.InternalTransfer(ctx, TransferRequest{TransactionID: "p-2", SenderID: "alice", Recipient: "bob", CurrencyCode: "USD", Amount: d("50"), PayoutMethod: "bank"}); err != nil {
				t.Fatal(err)
			}
			// Refunds reach wallets deactivated while the funds were held.
			if _, err := e.DeactivateWallet(ctx, a); err != nil {
				t.Fatal(err)
			}
			got, err := e.Resolve(ctx, ResolveRequest{TransactionID: "p-2", Status: target, Actor: "admin-1"})
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != target {
				t.Fatalf("status = %s", got.Status)
			}
			assertBalance(t, s, a, "100.00")
			assertBalance(t, s, b, "0")
		})
	}
}

func TestResolveValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "x", Status: StatusPending, Actor: "a"}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "x", Status: StatusApproved}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "missing", Status: StatusApproved, Actor: "a"}); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompletedEntriesDoNotTransition(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	fund(t, s, "alice", usd, "10")
	entry, err := e.Deposit(ctx, DepositRequest{UserID: "alice", CurrencyCode: "USD", Amount: d("1")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: entry.TransactionID, Status: StatusCancelled, Actor: "a"}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestMerchantPaymentInsufficientFunds(t *testing.T) {
	e, s := newTestEngine(t, WithMerchants(coffee))
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "10.00")
	shop := fund(t, s, "shop", usd, "0")

	req := MerchantPaymentRequest{TransactionID: "m-1", PayerID: "alice", MerchantID: "m-coffee", CurrencyCode: "USD", Amount: d("20.00")}
	entry, err := e.MerchantPayment(ctx, req)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v", err)
	}
	if entry.Status != StatusCancelled || entry.Merchant == nil || !entry.Merchant.CreditedAmount.IsZero() {
		t.Fatalf("entry = %+v", entry)
	}
	assertBalance(t, s, a, "10.00")
	assertBalance(t, s, shop, "0")

	again, err := e.MerchantPayment(ctx, req)
	if !errors.Is(err, ErrInsufficientFunds) || again.Sequence != entry.Sequence {
		t.Fatalf("replay = %+v, %v", again, err)
	}
	stored, err := e.Entry(ctx, "m-1")
	if err != nil || stored.Status != StatusCancelled {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestMerchantPaymentDeferredCredit(t *testing.T) {
	e, s := newTestEngine(t, WithMerchants(coffee))
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "100.00")
	shop := fund(t, s, "shop", usd, "0")

	entry, err := e.MerchantPayment(ctx, MerchantPaymentRequest{TransactionID: "m-2", PayerID: "alice", MerchantID: "m-coffee", CurrencyCode: "USD", Amount: d("50.00"), OrderReference: "order-7"})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusPending || !entry.Merchant.CreditedAmount.Equal(d("49.50")) {
		t.Fatalf("entry = %+v", entry)
	}
	assertBalance(t, s, a, "50.00")
	assertBalance(t, s, shop, "0")

	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "m-2", Status: StatusApproved, Actor: "settlement"}); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, s, shop, "49.50")
}

func TestMerchantPaymentValidation(t *testing.T) {
	e, s := newTestEngine(t, WithMerchants(coffee))
	ctx := context.Background()
	fund(t, s, "alice", usd, "100.00")
	fund(t, s, "alice", eur, "100.00")

	cases := []struct {
		name string
		req  MerchantPaymentRequest
		want error
	}{
		{"unknown merchant", MerchantPaymentRequest{PayerID: "alice", MerchantID: "nope", CurrencyCode: "USD", Amount: d("1")}, ErrMerchantNotFound},
		{"currency mismatch", MerchantPaymentRequest{PayerID: "alice", MerchantID: "m-coffee", CurrencyCode: "EUR", Amount: d("1")}, ErrCurrencyMismatch},
		{"merchant wallet missing", MerchantPaymentRequest{PayerID: "alice", MerchantID: "m-coffee", CurrencyCode: "USD", Amount: d("1")}, ErrRecipientWalletNotFound},
		{"owner pays self", MerchantPaymentRequest{PayerID: "shop", MerchantID: "m-coffee", CurrencyCode: "USD", Amount: d("1")}, ErrSelfTransferNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.MerchantPayment(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	plain, _ := newTestEngine(t)
	if _, err := plain.MerchantPayment(ctx, MerchantPaymentRequest{PayerID: "alice", MerchantID: "m-coffee", CurrencyCode: "USD", Amount: d("1")}); !errors.Is(err, ErrMerchantNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestExternalTransferCardApproved(t *testing.T) {
	acq := &stubAcquirer{auth: Authorization{Approved: true, ExternalReference: "acq-123"}}
	pub := &recordingPublisher{}
	e, s := newTestEngine(t, WithAcquirer(acq, time.Second), WithPublisher(pub))
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "100.00")

	req := ExternalTransferRequest{
		TransactionID: "x-1",
		SenderID:      "alice",
		CurrencyCode:  "USD",
		Amount:        d("50"),
		Payee:         PayeeDetails{Name: "Dana", Card: &CardDetails{Number: "4111 1111 1111 1111"}},
	}
	entry, err := e.ExternalTransfer(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusApproved || entry.ExternalReference != "acq-123" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Payee.Card.Number != "************1111" {
		t.Fatalf("card stored as %q", entry.Payee.Card.Number)
	}
	assertBalance(t, s, a, "50.00")

	if _, err := e.ExternalTransfer(ctx, req); err != nil {
		t.Fatal(err)
	}
	if acq.calls != 1 {
		t.Fatalf("acquirer called %d times", acq.calls)
	}
	if got := pub.statuses(); len(got) != 2 || got[0] != StatusPending || got[1] != StatusApproved {
		t.Fatalf("published %v", got)
	}
}

func TestExternalTransferCardDeclined(t *testing.T) {
	acq := &stubAcquirer{auth: Authorization{DeclineReason: "do not honor"}}
	e, s := newTestEngine(t, WithAcquirer(acq, time.Second))
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "100.00")

	req := ExternalTransferRequest{TransactionID: "x-2", SenderID: "alice", CurrencyCode: "USD", Amount: d("50"), Payee: PayeeDetails{Name: "Dana", Card: &CardDetails{Number: "4000000000000002"}}}
	entry, err := e.ExternalTransfer(ctx, req)
	if !errors.Is(err, ErrAcquirerDeclined) {
		t.Fatalf("err = %v", err)
	}
	if entry.Status != StatusCancelled || entry.ResolutionNote != "do not honor" {
		t.Fatalf("entry = %+v", entry)
	}
	assertBalance(t, s, a, "100.00")

	if _, err := e.ExternalTransfer(ctx, req); !errors.Is(err, ErrAcquirerDeclined) {
		t.Fatalf("replay err = %v", err)
	}
}

func TestExternalTransferAcquirerDownStaysPending(t *testing.T) {
	acq := &stubAcquirer{err: errors.New("connection refused")}
	e, s := newTestEngine(t, WithAcquirer(acq, time.Second))
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "100.00")

	entry, err := e.ExternalTransfer(ctx, ExternalTransferRequest{SenderID: "alice", CurrencyCode: "USD", Amount: d("50"), Payee: PayeeDetails{Name: "Dana", Card: &CardDetails{Number: "4111111111111111"}}})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusPending {
		t.Fatalf("status = %s", entry.Status)
	}
	assertBalance(t, s, a, "50.00")
}

func TestExternalTransferBankPayee(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "100.00")

	if _, err := e.ExternalTransfer(ctx, ExternalTransferRequest{SenderID: "alice", CurrencyCode: "USD", Amount: d("10"), Payee: PayeeDetails{Name: "Dana"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
	entry, err := e.ExternalTransfer(ctx, ExternalTransferRequest{TransactionID: "x-3", SenderID: "alice", CurrencyCode: "USD", Amount: d("10"), Payee: PayeeDetails{Name: "Dana", BankCode: "KZ01", AccountNumber: "40817810"}})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusPending {
		t.Fatalf("status = %s", entry.Status)
	}
	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "x-3", Status: StatusRejected, Actor: "ops", Note: "bad account"}); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, s, a, "100.00")
}

func TestExpirePending(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e, s := newTestEngine(t, WithClock(clock))
	ctx := context.Background()
	a := fund(t, s, "alice", usd, "100.00")
	fund(t, s, "bob", usd, "0")

	if _, err := e.InternalTransfer(ctx, TransferRequest{TransactionID: "old", SenderID: "alice", Recipient: "bob", CurrencyCode: "USD", Amount: d("10"), PayoutMethod: "bank"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	if _, err := e.InternalTransfer(ctx, TransferRequest{TransactionID: "new", SenderID: "alice", Recipient: "bob", CurrencyCode: "USD", Amount: d("10"), PayoutMethod: "bank"}); err != nil {
		t.Fatal(err)
	}

	n, err := e.ExpirePending(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d", n)
	}
	old, _ := e.Entry(ctx, "old")
	fresh, _ := e.Entry(ctx, "new")
	if old.Status != StatusCancelled || old.ResolvedBy != ActorExpiry || fresh.Status != StatusPending {
		t.Fatalf("old=%s new=%s", old.Status, fresh.Status)
	}
	assertBalance(t, s, a, "90.00")
}

func TestFeeCollectedOnApprovalOnly(t *testing.T) {
	e, s := newTestEngine(t, WithFeeCollector("fees"))
	ctx := context.Background()
	fund(t, s, "alice", usd, "100.00")
	fund(t, s, "bob", usd, "0")

	for _, id := range []string{"f-1", "f-2"} {
		if _, err := e.InternalTransfer(ctx, TransferRequest{TransactionID: id, SenderID: "alice", Recipient: "bob", CurrencyCode: "USD", Amount: d("10"), PayoutMethod: "bank"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "f-1", Status: StatusApproved, Actor: "ops"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(ctx, ResolveRequest{TransactionID: "f-2", Status: StatusCancelled, Actor: "ops"}); err != nil {
		t.Fatal(err)
	}
	fees, err := e.Balance(ctx, "fees", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if !fees.Equal(d("0.10")) {
		t.Fatalf("fees = %s", fees)
	}
}
