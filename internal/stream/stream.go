// Package stream fans committed ledger entries out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qazna.org/wallet/internal/ledger"
)

// EntryEvent is the public view of an entry change. Payee and merchant
// payloads are left out. RecipientID owns the destination wallet when it is
// another user's.
type EntryEvent struct {
	TransactionID string        `json:"transaction_id"`
	Sequence      uint64        `json:"sequence"`
	Kind          ledger.Kind   `json:"kind"`
	Status        ledger.Status `json:"status"`
	UserID        string        `json:"user_id"`
	RecipientID   string        `json:"recipient_id,omitempty"`
	Currency      string        `json:"currency"`
	GrossAmount   string        `json:"gross_amount"`
	NetAmount     string        `json:"net_amount"`
	Timestamp     time.Time     `json:"timestamp"`
}

// FromEntry builds the event for e.
func FromEntry(e ledger.Entry) EntryEvent {
	at := e.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return EntryEvent{
		TransactionID: e.TransactionID,
		Sequence:      e.Sequence,
		Kind:          e.Kind,
		Status:        e.Status,
		UserID:        e.UserID,
		Currency:      e.CurrencyCode,
		GrossAmount:   e.GrossAmount.String(),
		NetAmount:     e.NetAmount.String(),
		Timestamp:     at,
	}
}

// WalletReader resolves destination wallets to their owners.
type WalletReader interface {
	Wallet(ctx context.Context, id int64) (ledger.Wallet, error)
}

// Hub fan-outs entry events to all active subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	wallets WalletReader
	dropped atomic.Uint64
}

type Option func(*Hub)

// WithWallets lets user filtered subscriptions see entries crediting the
// user, such as incoming transfers. Without it only the initiator matches.
func WithWallets(r WalletReader) Option { return func(h *Hub) { h.wallets = r } }

type subscriber struct {
	ch     chan EntryEvent
	userID string
}

var _ ledger.Publisher = (*Hub)(nil)

func New(opts ...Option) *Hub {
	h := &Hub{subs: make(map[int]subscriber)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a subscriber and returns a channel which will receive
// events, restricted to entries a user initiated or receives when userID is
// set. The channel is closed
// when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan EntryEvent {
	ch := make(chan EntryEvent, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, userID: userID}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish never blocks; events for slow subscribers are dropped.
func (h *Hub) Publish(ctx context.Context, e ledger.Entry) error {
	evt := FromEntry(e)
	evt.RecipientID = h.recipient(ctx, e)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.userID != "" && s.userID != evt.UserID && s.userID != evt.RecipientID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// recipient is empty when the lookup is unset or fails, or when the entry
// credits the initiator's own wallet.
func (h *Hub) recipient(ctx context.Context, e ledger.Entry) string {
	if h.wallets == nil || e.DestinationWalletID == nil {
		return ""
	}
	w, err := h.wallets.Wallet(ctx, *e.DestinationWalletID)
	if err != nil || w.UserID == e.UserID {
		return ""
	}
	return w.UserID
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
