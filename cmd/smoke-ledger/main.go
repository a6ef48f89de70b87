package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"qazna.org/wallet/internal/acquirer"
	"qazna.org/wallet/internal/exchange"
	"qazna.org/wallet/internal/ledger"
	"qazna.org/wallet/internal/store/pg"
)

// smoke-ledger drives every movement kind once and checks conservation.
// With QAZNA_PG_DSN set it runs against postgres (migrated and seeded),
// otherwise against the in-memory store.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, catalog, cleanup := open(ctx)
	defer cleanup()

	suffix := uuid.NewString()[:8]
	alice, bob, fees := "smoke-alice-"+suffix, "smoke-bob-"+suffix, "smoke-fees-"+suffix

	rates, err := exchange.ParseStatic("USD/EUR=0.92")
	if err != nil {
		log.Fatal(err)
	}
	engine := ledger.NewEngine(store, catalog,
		ledger.WithLogger(zap.NewNop()),
		ledger.WithAcquirer(acquirer.Sandbox{Limit: decimal.NewFromInt(1000)}, 5*time.Second),
		ledger.WithRates(exchange.NewCalculator(catalog, rates, nil)),
		ledger.WithFeeCollector(fees),
	)

	for _, u := range []string{alice, bob, fees} {
		if _, err := engine.RegisterUser(ctx, u); err != nil {
			log.Fatalf("register %s: %v", u, err)
		}
	}

	usd := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	key := func() string { return "smoke-" + uuid.NewString() }

	must("deposit")(engine.Deposit(ctx, ledger.DepositRequest{TransactionID: key(), UserID: alice, CurrencyCode: "USD", Amount: usd("1000")}))
	must("transfer")(engine.InternalTransfer(ctx, ledger.TransferRequest{TransactionID: key(), SenderID: alice, Recipient: bob, CurrencyCode: "USD", Amount: usd("420")}))
	must("exchange")(engine.Exchange(ctx, ledger.ExchangeRequest{TransactionID: key(), UserID: bob, FromCurrency: "USD", ToCurrency: "EUR", Amount: usd("100")}))
	card, err := engine.ExternalTransfer(ctx, ledger.ExternalTransferRequest{
		TransactionID: key(), SenderID: alice, CurrencyCode: "USD", Amount: usd("50"),
		Payee: ledger.PayeeDetails{Name: "Smoke Test", Card: &ledger.CardDetails{Number: "4242424242424242"}},
	})
	if err != nil {
		log.Fatalf("card payout: %v", err)
	}
	if card.Status != ledger.StatusApproved {
		log.Fatalf("card payout status = %s", card.Status)
	}

	var total decimal.Decimal
	for _, u := range []string{alice, bob, fees} {
		b, err := engine.Balance(ctx, u, "USD")
		if err != nil {
			log.Fatalf("balance %s: %v", u, err)
		}
		total = total.Add(b)
	}
	// 1000 in, 100 converted to EUR, card payout net of its collected fee out
	if want := usd("850.50"); !total.Equal(want) {
		log.Fatalf("ledger conservation failed: USD total %s, want %s", total, want)
	}

	fmt.Printf("✅ ledger smoke test passed: users=%s,%s\n", alice, bob)
}

func must(op string) func(ledger.Entry, error) {
	return func(e ledger.Entry, err error) {
		if err != nil {
			log.Fatalf("%s: %v", op, err)
		}
		if e.Status != ledger.StatusCompleted {
			log.Fatalf("%s: status %s", op, e.Status)
		}
	}
}

func open(ctx context.Context) (ledger.Store, ledger.Catalog, func()) {
	if dsn := os.Getenv("QAZNA_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		catalog, err := store.LoadCatalog(ctx)
		if err != nil {
			log.Fatalf("load currencies: %v", err)
		}
		return store, catalog, func() { _ = store.Close() }
	}
	catalog, err := ledger.NewStaticCatalog(
		ledger.Currency{ID: 1, Code: "USD", Symbol: "$", FeeRate: decimal.RequireFromString("0.01"), DecimalPlaces: 2},
		ledger.Currency{ID: 2, Code: "EUR", Symbol: "€", FeeRate: decimal.Zero, DecimalPlaces: 2},
	)
	if err != nil {
		log.Fatal(err)
	}
	return ledger.NewInMemory(), catalog, func() {}
}
