// Package events publishes ledger entries to other systems.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"qazna.org/wallet/internal/ledger"
)

// Envelope is the message body written for every committed entry or transition.
type Envelope struct {
	Type        string       `json:"type"`
	Entry       ledger.Entry `json:"entry"`
	PublishedAt time.Time    `json:"published_at"`
}

// EventType names the change an entry status represents, e.g. "ledger.entry.approved".
func EventType(e ledger.Entry) string {
	return "ledger.entry." + string(e.Status)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes entries to one topic keyed by transaction id, so every
// transition of an entry lands on the same partition in order.
type Kafka struct {
	w     messageWriter
	topic string
}

var _ ledger.Publisher = (*Kafka)(nil)

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, e ledger.Entry) error {
	typ := EventType(e)
	body, err := json.Marshal(Envelope{Type: typ, Entry: e, PublishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.TransactionID),
		Value:   body,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(typ)}},
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", typ, k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.w.Close() }

// Multi fans an entry out to several publishers and reports every failure.
type Multi []ledger.Publisher

func (m Multi) Publish(ctx context.Context, e ledger.Entry) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
