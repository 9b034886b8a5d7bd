package payout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// STKCallback is the outcome Daraja posts back for a push.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            decimal.Decimal
	ReceiptNumber     string
	PhoneNumber       string
	TransactionDate   string
}

func (c STKCallback) Success() bool { return c.ResultCode == 0 }

// CompletedAt parses TransactionDate, which Daraja sends in Nairobi local
// time. Failed pushes carry no date.
func (c STKCallback) CompletedAt() (time.Time, bool) {
	if c.TransactionDate == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(darajaTimestampLayout, c.TransactionDate, eat)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback decodes a Daraja STK callback body.
func ParseSTKCallback(payload []byte) (STKCallback, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var env stkCallbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return STKCallback{}, fmt.Errorf("decode stk callback: %w", err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return STKCallback{}, errors.New("stk callback: missing Body.stkCallback")
	}
	if cb.CheckoutRequestID == "" {
		return STKCallback{}, errors.New("stk callback: missing CheckoutRequestID")
	}

	out := STKCallback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if d, err := decimal.NewFromString(scalarString(item.Value)); err == nil {
				out.Amount = d
			}
		case "MpesaReceiptNumber":
			out.ReceiptNumber = scalarString(item.Value)
		case "PhoneNumber":
			out.PhoneNumber = scalarString(item.Value)
		case "TransactionDate":
			out.TransactionDate = scalarString(item.Value)
		}
	}
	return out, nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
