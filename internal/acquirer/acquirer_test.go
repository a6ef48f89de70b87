package acquirer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"qazna.org/wallet/internal/ledger"
)

func TestSandboxDecisions(t *testing.T) {
	s := Sandbox{Limit: decimal.NewFromInt(1000)}
	ctx := context.Background()
	cases := []struct {
		name     string
		number   string
		amount   string
		approved bool
		err      error
	}{
		{"approved", "4111 1111 1111 1111", "10", true, nil},
		{"declined card", "4000000000000002", "10", false, nil},
		{"processing error", "4000000000000119", "10", false, ErrProcessing},
		{"over limit", "4111111111111111", "1000.01", false, nil},
		{"bad luhn", "4111111111111112", "10", false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth, err := s.Authorize(ctx, ledger.CardDetails{Number: tc.number}, decimal.RequireFromString(tc.amount), "USD")
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v", err)
			}
			if auth.Approved != tc.approved {
				t.Fatalf("auth = %+v", auth)
			}
			if auth.Approved && !strings.HasPrefix(auth.ExternalReference, "sbx_") {
				t.Fatalf("reference %q", auth.ExternalReference)
			}
			if !auth.Approved && err == nil && auth.DeclineReason == "" {
				t.Fatal("decline without reason")
			}
		})
	}
}

func TestThrottledHonoursDeadline(t *testing.T) {
	th := NewThrottled(Sandbox{}, 0.001, 1)
	card := ledger.CardDetails{Number: "4111111111111111"}
	if _, err := th.Authorize(context.Background(), card, decimal.NewFromInt(1), "USD"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := th.Authorize(ctx, card, decimal.NewFromInt(1), "USD"); err == nil {
		t.Fatal("expected throttling error")
	}
}
