package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"qazna.org/wallet/internal/ledger"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublishEnvelope(t *testing.T) {
	fw := &fakeWriter{}
	k := &Kafka{w: fw, topic: "ledger.entries"}
	entry := ledger.Entry{TransactionID: "txn_1", Kind: ledger.KindDeposit, Status: ledger.StatusCompleted, GrossAmount: decimal.RequireFromString("10.00")}

	if err := k.Publish(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("messages = %d", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "txn_1" {
		t.Fatalf("key = %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "ledger.entry.completed" {
		t.Fatalf("headers = %+v", msg.Headers)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "ledger.entry.completed" || env.Entry.TransactionID != "txn_1" || !env.Entry.GrossAmount.Equal(entry.GrossAmount) {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestKafkaPublishError(t *testing.T) {
	k := &Kafka{w: &fakeWriter{err: errors.New("broker down")}, topic: "t"}
	if err := k.Publish(context.Background(), ledger.Entry{TransactionID: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewKafkaValidation(t *testing.T) {
	if _, err := NewKafka(nil, "t"); err == nil {
		t.Fatal("expected broker error")
	}
	if _, err := NewKafka([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected topic error")
	}
	k, err := NewKafka([]string{"localhost:9092"}, "t")
	if err != nil {
		t.Fatal(err)
	}
	_ = k.Close()
}

type countingPublisher struct {
	n   int
	err error
}

func (c *countingPublisher) Publish(context.Context, ledger.Entry) error {
	c.n++
	return c.err
}

func TestMultiPublishesToAll(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countingPublisher{err: boom}, &countingPublisher{}
	err := Multi{a, nil, b}.Publish(context.Background(), ledger.Entry{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if a.n != 1 || b.n != 1 {
		t.Fatalf("calls = %d/%d", a.n, b.n)
	}
}
