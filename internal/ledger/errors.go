package ledger

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error kind.
type Code string

const (
	CodeCurrencyNotFound       Code = "currency_not_found"
	CodeWalletNotFound         Code = "wallet_not_found"
	CodeRecipientWalletMissing Code = "recipient_wallet_not_found"
	CodeRecipientNotFound      Code = "recipient_not_found"
	CodeMerchantNotFound       Code = "merchant_not_found"
	CodeEntryNotFound          Code = "entry_not_found"
	CodeInsufficientFunds      Code = "insufficient_funds"
	CodeInvalidAmount          Code = "invalid_amount"
	CodeSelfTransfer           Code = "self_transfer_not_allowed"
	CodeDuplicateTransaction   Code = "duplicate_transaction_id"
	CodeInvalidTransition      Code = "invalid_state_transition"
	CodeAcquirerDeclined       Code = "acquirer_declined"
	CodeRateUnavailable        Code = "rate_unavailable"
	CodeCurrencyMismatch       Code = "currency_mismatch"
	CodeSameCurrency           Code = "same_currency"
	CodeWalletInactive         Code = "wallet_inactive"
	CodeInvalidRequest         Code = "invalid_request"
)

// Error is a ledger failure with a stable code and a human readable message.
// errors.Is matches any two errors carrying the same code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrCurrencyNotFound        = &Error{Code: CodeCurrencyNotFound, Msg: "currency not found"}
	ErrWalletNotFound          = &Error{Code: CodeWalletNotFound, Msg: "wallet not found"}
	ErrRecipientWalletNotFound = &Error{Code: CodeRecipientWalletMissing, Msg: "recipient wallet not found"}
	ErrRecipientNotFound       = &Error{Code: CodeRecipientNotFound, Msg: "recipient not found"}
	ErrMerchantNotFound        = &Error{Code: CodeMerchantNotFound, Msg: "merchant not found"}
	ErrEntryNotFound           = &Error{Code: CodeEntryNotFound, Msg: "ledger entry not found"}
	ErrInsufficientFunds       = &Error{Code: CodeInsufficientFunds, Msg: "insufficient funds"}
	ErrInvalidAmount           = &Error{Code: CodeInvalidAmount, Msg: "invalid amount (must be > 0)"}
	ErrSelfTransferNotAllowed  = &Error{Code: CodeSelfTransfer, Msg: "cannot transfer to yourself"}
	ErrDuplicateTransaction    = &Error{Code: CodeDuplicateTransaction, Msg: "transaction id already used for a different request"}
	ErrInvalidStateTransition  = &Error{Code: CodeInvalidTransition, Msg: "invalid state transition"}
	ErrAcquirerDeclined        = &Error{Code: CodeAcquirerDeclined, Msg: "acquirer declined the payment"}
	ErrRateUnavailable         = &Error{Code: CodeRateUnavailable, Msg: "exchange rate unavailable"}
	ErrCurrencyMismatch        = &Error{Code: CodeCurrencyMismatch, Msg: "currency does not match"}
	ErrSameCurrency            = &Error{Code: CodeSameCurrency, Msg: "exchange requires two different currencies"}
	ErrWalletInactive          = &Error{Code: CodeWalletInactive, Msg: "wallet is inactive"}
	ErrInvalidRequest          = &Error{Code: CodeInvalidRequest, Msg: "invalid request"}
)

// Errorf returns an error with the code of base and a more specific message.
func Errorf(base *Error, format string, args ...any) error {
	return &Error{Code: base.Code, Msg: base.Msg + ": " + fmt.Sprintf(format, args...)}
}

// CodeOf returns the ledger code carried by err, or "" for infrastructure errors.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}
