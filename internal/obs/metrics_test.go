package obs

import (
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/metrics":               "/metrics",
		"/v1/entries/txn_01ABC":  "/v1/entries/:id",
		"/v1/wallets/42":         "/v1/wallets/:id",
		"/v1/wallets/42/extra":   "/v1/wallets/42/extra",
		"/v1/stream":             "/v1/stream",
		"/v1/stream?kind=merch":  "/v1/stream",
		"/healthz":               "/healthz",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(ledgerOperations.WithLabelValues("deposit", "ok"))
	ObserveOperation("deposit", "ok", 3*time.Millisecond)
	ObserveOperation("deposit", "ok", 5*time.Millisecond)
	after := testutil.ToFloat64(ledgerOperations.WithLabelValues("deposit", "ok"))
	if after-before != 2 {
		t.Fatalf("counter delta = %v, want 2", after-before)
	}
}

func TestSetReady(t *testing.T) {
	SetReady(true)
	if v := testutil.ToFloat64(ready); v != 1 {
		t.Fatalf("ready = %v", v)
	}
	SetReady(false)
	if v := testutil.ToFloat64(ready); v != 0 {
		t.Fatalf("ready = %v", v)
	}
}

func TestSetBuildKeepsOneSeries(t *testing.T) {
	SetBuild("0.1.0", "aaa")
	SetBuild("0.2.0", "bbb")
	if n := testutil.CollectAndCount(ledgerBuild); n != 1 {
		t.Fatalf("series = %d, want 1", n)
	}
	if v := testutil.ToFloat64(ledgerBuild.WithLabelValues("0.2.0", "bbb", runtime.Version())); v != 1 {
		t.Fatalf("ledger_build_info = %v", v)
	}
}
