package ledger

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeToGRPC = map[Code]codes.Code{
	CodeCurrencyNotFound:       codes.NotFound,
	CodeWalletNotFound:         codes.NotFound,
	CodeRecipientWalletMissing: codes.NotFound,
	CodeRecipientNotFound:      codes.NotFound,
	CodeMerchantNotFound:       codes.NotFound,
	CodeEntryNotFound:          codes.NotFound,
	CodeInsufficientFunds:      codes.FailedPrecondition,
	CodeInvalidAmount:          codes.InvalidArgument,
	CodeSelfTransfer:           codes.InvalidArgument,
	CodeDuplicateTransaction:   codes.AlreadyExists,
	CodeInvalidTransition:      codes.FailedPrecondition,
	CodeAcquirerDeclined:       codes.Aborted,
	CodeRateUnavailable:        codes.Unavailable,
	CodeCurrencyMismatch:       codes.InvalidArgument,
	CodeSameCurrency:           codes.InvalidArgument,
	CodeWalletInactive:         codes.FailedPrecondition,
	CodeInvalidRequest:         codes.InvalidArgument,
}

var sentinels = []*Error{
	ErrCurrencyNotFound, ErrWalletNotFound, ErrRecipientWalletNotFound, ErrRecipientNotFound,
	ErrMerchantNotFound, ErrEntryNotFound, ErrInsufficientFunds, ErrInvalidAmount,
	ErrSelfTransferNotAllowed, ErrDuplicateTransaction, ErrInvalidStateTransition,
	ErrAcquirerDeclined, ErrRateUnavailable, ErrCurrencyMismatch, ErrSameCurrency,
	ErrWalletInactive, ErrInvalidRequest,
}

// GRPCStatus lets grpc servers translate ledger errors without a mapping table of their own.
// The ledger code travels as the status message prefix.
func (e *Error) GRPCStatus() *status.Status {
	c, ok := codeToGRPC[e.Code]
	if !ok {
		c = codes.Unknown
	}
	return status.New(c, string(e.Code)+": "+e.Msg)
}

// FromStatus maps an error received over grpc back to the ledger taxonomy.
// Errors that do not carry a ledger code are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	for _, s := range sentinels {
		prefix := string(s.Code) + ": "
		if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
			return &Error{Code: s.Code, Msg: msg[len(prefix):]}
		}
	}
	return err
}
