package payout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offramp/internal/hmacauth"
)

type fakeDaraja struct {
	tokenCalls atomic.Int32
	lastPush   stkPushRequest
	pushStatus int
	pushBody   any
	queryBody  any
	queryCode  int
	delay      time.Duration
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-r.Context().Done():
				return
			}
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastPush))
		status := f.pushStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(f.pushBody)
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		status := f.queryCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(f.queryBody)
	})
	return mux
}

func newTestDaraja(t *testing.T, f *fakeDaraja) *DarajaClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c, err := NewDarajaClient(DarajaConfig{
		BaseURL:         srv.URL,
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		ShortCode:       "174379",
		Passkey:         "passkey",
		CallbackBaseURL: "https://offramp.example.com/",
		CallbackSecret:  "callback-secret",
	}, nil)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC) }
	return c
}

func acceptedPush() map[string]string {
	return map[string]string{
		"MerchantRequestID":   "29115-34620561-1",
		"CheckoutRequestID":   "ws_CO_123",
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	}
}

func TestDarajaPushAccepted(t *testing.T) {
	f := &fakeDaraja{pushBody: acceptedPush()}
	c := newTestDaraja(t, f)

	res, err := c.Push(context.Background(), PushRequest{
		PhoneNumber: "+254712345678",
		Amount:      decimal.RequireFromString("1299.6"),
		Reference:   "KE_LX1_ABCDEF",
		Description: "USDC to KSH conversion - 10 USDC",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_123", res.CorrelationID)
	assert.Equal(t, "29115-34620561-1", res.SecondaryCorrelationID)
	assert.Equal(t, "Success. Request accepted for processing", res.CustomerMessage)

	sent := f.lastPush
	assert.Equal(t, int64(1300), sent.Amount)
	assert.Equal(t, "254712345678", sent.PhoneNumber)
	assert.Equal(t, "254712345678", sent.PartyA)
	assert.Equal(t, "174379", sent.PartyB)
	assert.Equal(t, "KE_LX1_ABCDEF", sent.AccountReference)
	assert.Equal(t, "https://offramp.example.com/offramp/callbacks/mpesa/KE_LX1_ABCDEF?token="+hmacauth.Token("callback-secret", "KE_LX1_ABCDEF"), sent.CallBackURL)
	assert.Equal(t, "CustomerPayBillOnline", sent.TransactionType)
	// 09:30 UTC is 12:30 in Nairobi
	assert.Equal(t, "20261015123000", sent.Timestamp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379passkey20261015123000")), sent.Password)
}

func TestDarajaCachesToken(t *testing.T) {
	f := &fakeDaraja{pushBody: acceptedPush()}
	c := newTestDaraja(t, f)

	req := PushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(100), Reference: "KE_A_000001"}
	for i := 0; i < 3; i++ {
		_, err := c.Push(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestDarajaPushRejected(t *testing.T) {
	f := &fakeDaraja{
		pushStatus: http.StatusBadRequest,
		pushBody: map[string]string{
			"requestId":    "abc",
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid PhoneNumber",
		},
	}
	c := newTestDaraja(t, f)

	_, err := c.Push(context.Background(), PushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(100), Reference: "KE_A_000001"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "400.002.02", perr.Code)
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", perr.Message)
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
}

func TestDarajaPushNonZeroResponseCode(t *testing.T) {
	f := &fakeDaraja{pushBody: map[string]string{"ResponseCode": "1", "ResponseDescription": "Rejected"}}
	c := newTestDaraja(t, f)

	_, err := c.Push(context.Background(), PushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(100), Reference: "KE_A_000001"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "1", perr.Code)
	assert.Equal(t, "Rejected", perr.Message)
}

func TestDarajaPushHonoursDeadline(t *testing.T) {
	f := &fakeDaraja{pushBody: acceptedPush(), delay: time.Second}
	c := newTestDaraja(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Push(ctx, PushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(100), Reference: "KE_A_000001"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDarajaPushRejectsSubShillingAmount(t *testing.T) {
	f := &fakeDaraja{pushBody: acceptedPush()}
	c := newTestDaraja(t, f)

	_, err := c.Push(context.Background(), PushRequest{PhoneNumber: "0712345678", Amount: decimal.RequireFromString("0.4"), Reference: "KE_A_000001"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Zero(t, f.tokenCalls.Load())
}

func TestDarajaQueryStatus(t *testing.T) {
	t.Run("paid", func(t *testing.T) {
		f := &fakeDaraja{queryBody: map[string]string{"ResponseCode": "0", "ResultCode": "0", "ResultDesc": "The service request is processed successfully."}}
		res, err := newTestDaraja(t, f).QueryStatus(context.Background(), "ws_CO_123")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.False(t, res.Pending)
	})

	t.Run("cancelled by user", func(t *testing.T) {
		f := &fakeDaraja{queryBody: map[string]string{"ResponseCode": "0", "ResultCode": "1032", "ResultDesc": "Request cancelled by user"}}
		res, err := newTestDaraja(t, f).QueryStatus(context.Background(), "ws_CO_123")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.False(t, res.Pending)
		assert.Equal(t, "1032", res.ResultCode)
	})

	t.Run("still processing", func(t *testing.T) {
		f := &fakeDaraja{
			queryCode: http.StatusInternalServerError,
			queryBody: map[string]string{"errorCode": "500.001.1001", "errorMessage": "The transaction is being processed"},
		}
		res, err := newTestDaraja(t, f).QueryStatus(context.Background(), "ws_CO_123")
		require.NoError(t, err)
		assert.True(t, res.Pending)
	})
}

func TestNewDarajaClientRequiresCredentials(t *testing.T) {
	_, err := NewDarajaClient(DarajaConfig{ShortCode: "174379"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer key")
	assert.Contains(t, err.Error(), "callback secret")
}
