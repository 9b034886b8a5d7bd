package payout

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offramp/internal/hmacauth"
)

const (
	darajaSandboxURL    = "https://sandbox.safaricom.co.ke"
	darajaProductionURL = "https://api.safaricom.co.ke"

	darajaTimestampLayout = "20060102150405"
	darajaDescMax         = 100

	// Daraja answers a query for an in-flight push with this error code.
	darajaQueryPendingCode      = "500.001.1001"
	darajaStillProcessingResult = "4999"
)

// Kenya does not observe DST; Daraja validates the password timestamp
// against East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// DarajaConfig configures the Safaricom Daraja STK push client. Each
// callback URL carries a token minted from CallbackSecret for its
// transaction.
type DarajaConfig struct {
	Environment     string
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	TransactionType string
	CallbackBaseURL string
	CallbackSecret  string
	HTTPTimeout     time.Duration
}

// DarajaClient pushes STK payment prompts through the M-PESA Daraja API.
type DarajaClient struct {
	cfg        DarajaConfig
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewDarajaClient(cfg DarajaConfig, logger *zap.Logger) (*DarajaClient, error) {
	var missing []string
	for name, v := range map[string]string{
		"consumer key":    cfg.ConsumerKey,
		"consumer secret": cfg.ConsumerSecret,
		"short code":      cfg.ShortCode,
		"passkey":         cfg.Passkey,
		"callback url":    cfg.CallbackBaseURL,
		"callback secret": cfg.CallbackSecret,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("daraja: missing %s", strings.Join(missing, ", "))
	}

	base := cfg.BaseURL
	if base == "" {
		base = darajaSandboxURL
		if strings.EqualFold(cfg.Environment, "production") {
			base = darajaProductionURL
		}
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DarajaClient{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		now:        time.Now,
		logger:     logger,
	}, nil
}

func (c *DarajaClient) Name() string { return ProviderMpesa }

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type darajaErrorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Push sends an STK prompt for req.Amount, rounded to whole shillings.
func (c *DarajaClient) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	phone, ok := NormalizeKenyanPhone(req.PhoneNumber)
	if !ok {
		return PushResult{}, &ProviderError{Provider: ProviderMpesa, Code: "local", Message: "phone number is not a Kenyan mobile number"}
	}
	amount := req.Amount.Round(0).IntPart()
	if amount < 1 {
		return PushResult{}, &ProviderError{Provider: ProviderMpesa, Code: "local", Message: "amount below the 1 KES minimum"}
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return PushResult{}, err
	}

	ts := c.now().In(eat).Format(darajaTimestampLayout)
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   c.cfg.TransactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL(req.Reference),
		AccountReference:  req.Reference,
		TransactionDesc:   truncate(req.Description, darajaDescMax),
	}

	var out stkPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, body, &out); err != nil {
		return PushResult{}, err
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return PushResult{}, &ProviderError{
			Provider: ProviderMpesa,
			Code:     out.ResponseCode,
			Message:  out.ResponseDescription,
		}
	}

	c.logger.Info("stk push accepted",
		zap.String("reference", req.Reference),
		zap.String("checkout_request_id", out.CheckoutRequestID),
		zap.String("merchant_request_id", out.MerchantRequestID),
		zap.Int64("amount_kes", amount))

	return PushResult{
		CorrelationID:          out.CheckoutRequestID,
		SecondaryCorrelationID: out.MerchantRequestID,
		CustomerMessage:        out.CustomerMessage,
	}, nil
}

// QueryStatus asks Daraja for the outcome of an earlier push.
func (c *DarajaClient) QueryStatus(ctx context.Context, checkoutRequestID string) (QueryResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return QueryResult{}, err
	}

	ts := c.now().In(eat).Format(darajaTimestampLayout)
	body := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var out stkQueryResponse
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", token, body, &out); err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Code == darajaQueryPendingCode {
			return QueryResult{Pending: true, ResultDesc: perr.Message}, nil
		}
		return QueryResult{}, err
	}

	if out.ResultCode == darajaStillProcessingResult {
		return QueryResult{Pending: true, ResultCode: out.ResultCode, ResultDesc: out.ResultDesc}, nil
	}
	return QueryResult{
		Success:    out.ResultCode == "0",
		ResultCode: out.ResultCode,
		ResultDesc: out.ResultDesc,
	}, nil
}

func (c *DarajaClient) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))
}

func (c *DarajaClient) callbackURL(reference string) string {
	base := strings.TrimRight(c.cfg.CallbackBaseURL, "/") + "/offramp/callbacks/mpesa/" + url.PathEscape(reference)
	return hmacauth.CallbackURL(base, c.cfg.CallbackSecret, reference)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *DarajaClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: ProviderMpesa, Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ProviderError{Provider: ProviderMpesa, StatusCode: resp.StatusCode, Message: "read token response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", decodeProviderError(resp.StatusCode, raw)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", &ProviderError{Provider: ProviderMpesa, StatusCode: resp.StatusCode, Message: "malformed token response", Err: err}
	}

	ttl, err := strconv.Atoi(tok.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	c.token = tok.AccessToken
	// refresh a minute early so a token never expires mid-request
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)
	return c.token, nil
}

func (c *DarajaClient) post(ctx context.Context, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: ProviderMpesa, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Provider: ProviderMpesa, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		return decodeProviderError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{Provider: ProviderMpesa, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

func (c *DarajaClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func decodeProviderError(status int, raw []byte) *ProviderError {
	perr := &ProviderError{Provider: ProviderMpesa, StatusCode: status}
	var body darajaErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && (body.ErrorCode != "" || body.ErrorMessage != "") {
		perr.Code = body.ErrorCode
		perr.Message = body.ErrorMessage
		return perr
	}
	perr.Message = fmt.Sprintf("unexpected status %d", status)
	return perr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
