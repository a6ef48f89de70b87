package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestTransactionTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := Transaction()
	if !strings.HasPrefix(id, "txn_") {
		t.Fatalf("unexpected prefix: %s", id)
	}
	ts, ok := Timestamp(id)
	if !ok {
		t.Fatalf("timestamp not decodable from %s", id)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("timestamp out of range: %v", ts)
	}
	if _, ok := Timestamp("not-a-ulid"); ok {
		t.Fatal("expected failure for non-ulid id")
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "", true},
		{"  abc-123  ", "abc-123", true},
		{"with space", "", false},
		{strings.Repeat("a", MaxLength+1), "", false},
		{"ключ", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Normalize(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
