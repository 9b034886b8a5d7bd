package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of failure classes surfaced by the off-ramp.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidPhoneFormat  Kind = "invalid_phone_format"
	KindAmountOutOfBounds   Kind = "amount_out_of_bounds"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindPayoutProvider      Kind = "payout_provider_error"
	KindConflictingState    Kind = "conflicting_state"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal_error"
)

// Error carries structured context for a failed operation. Two errors match
// under errors.Is when their kinds are equal, so the sentinels below work as
// match targets.
type Error struct {
	Kind Kind
	// Field names the offending request field for validation failures.
	Field string
	// Message is a short, client-safe description.
	Message string
	// ProviderMessage preserves the payout provider's diagnostic text.
	ProviderMessage string
	TransactionID   string
	CorrelationIDs  []string
	Err             error
}

var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrInvalidPhoneFormat  = &Error{Kind: KindInvalidPhoneFormat}
	ErrAmountOutOfBounds   = &Error{Kind: KindAmountOutOfBounds}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrPayoutProvider      = &Error{Kind: KindPayoutProvider}
	ErrConflictingState    = &Error{Kind: KindConflictingState}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInternal            = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.ProviderMessage != "" {
		b.WriteString(" (provider: ")
		b.WriteString(e.ProviderMessage)
		b.WriteString(")")
	}
	if e.TransactionID != "" {
		b.WriteString(" [tx ")
		b.WriteString(e.TransactionID)
		if len(e.CorrelationIDs) > 0 {
			b.WriteString(" correlation ")
			b.WriteString(strings.Join(e.CorrelationIDs, ","))
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func InvalidInput(field, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Field: field, Message: fmt.Sprintf(format, args...)}
}

func InvalidPhoneFormat() *Error {
	return &Error{
		Kind:    KindInvalidPhoneFormat,
		Field:   "phoneNumber",
		Message: "invalid Kenyan phone number format",
	}
}

func NotFound(transactionID string) *Error {
	return &Error{Kind: KindNotFound, Message: "transaction not found", TransactionID: transactionID}
}

func Conflict(transactionID, format string, args ...any) *Error {
	return &Error{
		Kind:          KindConflictingState,
		Message:       fmt.Sprintf(format, args...),
		TransactionID: transactionID,
	}
}
