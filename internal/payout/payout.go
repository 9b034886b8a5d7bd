package payout

import (
	"strings"

	"github.com/shopspring/decimal"
)

const ProviderMpesa = "mpesa"

// PushRequest asks the provider to prompt the subscriber for a payment.
type PushRequest struct {
	PhoneNumber string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

// PushResult carries the provider's correlation identifiers for an accepted
// push. For M-PESA these are CheckoutRequestID and MerchantRequestID.
type PushResult struct {
	CorrelationID          string
	SecondaryCorrelationID string
	CustomerMessage        string
}

// QueryResult is the provider's view of an earlier push.
type QueryResult struct {
	Pending    bool
	Success    bool
	ResultCode string
	ResultDesc string
}

// ProviderError wraps any provider-side failure, keeping the provider's own
// diagnostic text.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" payout failed")
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }
