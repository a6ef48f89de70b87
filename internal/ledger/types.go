package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the money movement a ledger entry records.
type Kind string

const (
	KindDeposit          Kind = "deposit"
	KindWithdrawal       Kind = "withdrawal"
	KindInternalTransfer Kind = "internal_transfer"
	KindExternalTransfer Kind = "external_transfer"
	KindMerchantPayment  Kind = "merchant_payment"
	KindExchange         Kind = "exchange"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindInternalTransfer, KindExternalTransfer, KindMerchantPayment, KindExchange:
		return true
	}
	return false
}

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusApproved  Status = "approved"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusApproved, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s != StatusPending }

// Wallet is one balance per (user, currency).
type Wallet struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"user_id"`
	CurrencyID int64           `json:"currency_id"`
	Balance    decimal.Decimal `json:"balance"`
	Active     bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PayeeDetails describes the destination of an external transfer.
// Card numbers are kept masked once the entry is written.
type PayeeDetails struct {
	Name          string       `json:"name"`
	BankName      string       `json:"bank_name,omitempty"`
	BankCode      string       `json:"bank_code,omitempty"`
	AccountNumber string       `json:"account_number,omitempty"`
	Card          *CardDetails `json:"card,omitempty"`
	Email         string       `json:"email,omitempty"`
	Phone         string       `json:"phone,omitempty"`
}

// CardDetails are passed to the acquirer. Only the masked form is persisted.
type CardDetails struct {
	Number      string `json:"number"`
	HolderName  string `json:"holder_name,omitempty"`
	ExpiryMonth int    `json:"expiry_month,omitempty"`
	ExpiryYear  int    `json:"expiry_year,omitempty"`
}

// Masked keeps the last four digits of the card number.
func (c CardDetails) Masked() CardDetails {
	n := strings.ReplaceAll(c.Number, " ", "")
	if len(n) > 4 {
		n = strings.Repeat("*", len(n)-4) + n[len(n)-4:]
	}
	c.Number = n
	return c
}

// MerchantDetails is the merchant payment payload.
type MerchantDetails struct {
	MerchantID     string          `json:"merchant_id"`
	OrderReference string          `json:"order_reference,omitempty"`
	FeeRate        decimal.Decimal `json:"fee_rate"`
	CreditedAmount decimal.Decimal `json:"credited_amount"`
}

// ExchangeDetails is the currency exchange payload.
type ExchangeDetails struct {
	TargetCurrencyID   int64           `json:"target_currency_id"`
	TargetCurrencyCode string          `json:"target_currency_code"`
	Rate               decimal.Decimal `json:"rate"`
	TargetAmount       decimal.Decimal `json:"target_amount"`
}

// Entry is the append-only record of one attempted or completed money movement.
// Only Status and the resolution fields change after the entry is written.
type Entry struct {
	Sequence            uint64           `json:"sequence"`
	TransactionID       string           `json:"transaction_id"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	Kind                Kind             `json:"kind"`
	Status              Status           `json:"status"`
	UserID              string           `json:"user_id"`
	SourceWalletID      *int64           `json:"source_wallet_id,omitempty"`
	DestinationWalletID *int64           `json:"destination_wallet_id,omitempty"`
	CurrencyID          int64            `json:"currency_id"`
	CurrencyCode        string           `json:"currency_code"`
	GrossAmount         decimal.Decimal  `json:"gross_amount"`
	FeeAmount           decimal.Decimal  `json:"fee_amount"`
	NetAmount           decimal.Decimal  `json:"net_amount"`
	Note                string           `json:"note,omitempty"`
	PayoutMethod        string           `json:"payout_method,omitempty"`
	Payee               *PayeeDetails    `json:"payee,omitempty"`
	Merchant            *MerchantDetails `json:"merchant,omitempty"`
	Exchange            *ExchangeDetails `json:"exchange,omitempty"`
	ExternalReference   string           `json:"external_reference,omitempty"`
	Reason              Code             `json:"reason,omitempty"`
	ResolvedBy          string           `json:"resolved_by,omitempty"`
	ResolutionNote      string           `json:"resolution_note,omitempty"`
	ResolvedAt          *time.Time       `json:"resolved_at,omitempty"`
	Fingerprint         string           `json:"-"`
}

// Details is the kind specific payload persisted alongside an entry.
type Details struct {
	PayoutMethod string           `json:"payout_method,omitempty"`
	Payee        *PayeeDetails    `json:"payee,omitempty"`
	Merchant     *MerchantDetails `json:"merchant,omitempty"`
	Exchange     *ExchangeDetails `json:"exchange,omitempty"`
}

func (e Entry) Details() Details {
	return Details{PayoutMethod: e.PayoutMethod, Payee: e.Payee, Merchant: e.Merchant, Exchange: e.Exchange}
}

func (e *Entry) SetDetails(d Details) {
	e.PayoutMethod, e.Payee, e.Merchant, e.Exchange = d.PayoutMethod, d.Payee, d.Merchant, d.Exchange
}

// Filter selects entries for history queries. Zero fields do not filter.
type Filter struct {
	UserID   string
	WalletID int64
	Status   Status
	Kind     Kind
	After    uint64
	Limit    int
}

// Page size bounds for history queries.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Normalize applies the default page size to unset limits and caps the rest.
func (f Filter) Normalize() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	return f
}

// Matches reports whether e satisfies the filter; stores without query support use it.
func (f Filter) Matches(e Entry) bool {
	if e.Sequence <= f.After {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.WalletID != 0 && !refersTo(e.SourceWalletID, f.WalletID) && !refersTo(e.DestinationWalletID, f.WalletID) {
		return false
	}
	return true
}

func refersTo(p *int64, id int64) bool { return p != nil && *p == id }

func int64Ptr(v int64) *int64 { return &v }
