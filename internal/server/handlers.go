package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offramp/internal/domain"
	"offramp/internal/idempotency"
	"offramp/internal/ledger"
	"offramp/internal/offramp"
	"offramp/internal/payout"
)

type initiateRequest struct {
	WalletAddress string          `json:"walletAddress"`
	USDCAmount    decimal.Decimal `json:"usdcAmount"`
	KSHAmount     decimal.Decimal `json:"kshAmount"`
	PhoneNumber   string          `json:"phoneNumber"`
	ChainID       int64           `json:"chainId,omitempty"`
}

// fingerprint identifies the request by meaning rather than by bytes, so
// whitespace, key order and equivalent spellings of a value replay
// instead of conflicting.
func (r initiateRequest) fingerprint(salt string) string {
	phone := strings.TrimSpace(r.PhoneNumber)
	if normalized, ok := payout.NormalizeKenyanPhone(phone); ok {
		phone = normalized
	}
	canonical, _ := json.Marshal(struct {
		Wallet  string `json:"w"`
		USDC    string `json:"u"`
		KSH     string `json:"k"`
		Phone   string `json:"p"`
		ChainID int64  `json:"c"`
	}{
		Wallet:  strings.ToLower(strings.TrimSpace(r.WalletAddress)),
		USDC:    amountKey(r.USDCAmount),
		KSH:     amountKey(r.KSHAmount),
		Phone:   phone,
		ChainID: r.ChainID,
	})
	return idempotency.Fingerprint(salt, canonical)
}

// amountKey renders d as coefficient and exponent with trailing zeros
// stripped, so 10, 10.00 and 1e1 share a key. It never expands the exponent.
func amountKey(d decimal.Decimal) string {
	c := d.Coefficient()
	exp := d.Exponent()
	if c.Sign() == 0 {
		return "0"
	}
	ten := big.NewInt(10)
	q, m := new(big.Int), new(big.Int)
	for {
		q.QuoRem(c, ten, m)
		if m.Sign() != 0 {
			break
		}
		c.Set(q)
		exp++
	}
	return c.String() + "e" + strconv.Itoa(int(exp))
}

type initiateResponse struct {
	Success           bool   `json:"success"`
	TransactionID     string `json:"transactionId"`
	Provider          string `json:"provider"`
	ChainID           int64  `json:"chainId"`
	NetworkName       string `json:"networkName"`
	CheckoutRequestID string `json:"checkoutRequestID"`
	MerchantRequestID string `json:"merchantRequestID"`
	MpesaReference    string `json:"mpesaReference"`
	Message           string `json:"message"`
	CustomerMessage   string `json:"customerMessage"`
}

type statusResponse struct {
	TransactionID string     `json:"transactionId"`
	Status        string     `json:"status"`
	Message       string     `json:"message"`
	CompletedAt   *time.Time `json:"completedAt"`
	FailureReason string     `json:"failureReason,omitempty"`
}

type eventView struct {
	ID                string    `json:"id"`
	Sequence          int       `json:"sequence"`
	Status            string    `json:"status"`
	RecordedAt        time.Time `json:"recordedAt"`
	CheckoutRequestID string    `json:"checkoutRequestID,omitempty"`
	ProviderReceipt   string    `json:"providerReceipt,omitempty"`
	FailureReason     string    `json:"failureReason,omitempty"`
}

type eventsResponse struct {
	TransactionID string      `json:"transactionId"`
	Events        []eventView `json:"events"`
}

// callbackAck is the body Daraja expects back from a result URL.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var statusMessages = map[ledger.Status]string{
	ledger.StatusInitiated: "Transaction is being processed. Please check your M-Pesa for confirmation.",
	ledger.StatusCompleted: "Payout completed. Funds have been sent to your M-Pesa account.",
	ledger.StatusFailed:    "Payout was not completed.",
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInitiateBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	var req initiateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json payload"})
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" || s.store == nil {
		status, resp, _ := s.initiate(ctx, req)
		writeJSON(w, status, resp)
		return
	}

	fp := req.fingerprint(s.cfg.IdempotencySalt)
	existing, reserved, err := s.store.Reserve(ctx, key, fp, s.cfg.IdempotencyWindow)
	if err != nil {
		s.logger.Error("idempotency reserve failed", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	if !reserved {
		s.replay(w, key, fp, existing)
		return
	}

	status, resp, committed := s.initiate(ctx, req)
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	// the client may be gone; the key must still settle
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if committed {
		err = s.store.Save(sctx, key, idempotency.Record{StatusCode: status, Response: raw})
	} else {
		err = s.store.Release(sctx, key)
	}
	if err != nil {
		s.logger.Warn("idempotency key not settled", zap.String("key", key), zap.Bool("committed", committed), zap.Error(err))
	}

	writeRaw(w, status, raw)
}

func (s *Server) replay(w http.ResponseWriter, key, fp string, existing *idempotency.Record) {
	switch {
	case existing == nil:
		writeJSON(w, http.StatusConflict, errorBody{Error: "idempotency key unavailable"})
	case existing.Fingerprint != fp:
		s.logger.Warn("idempotency key reused with a different payload", zap.String("key", key))
		writeJSON(w, http.StatusConflict, errorBody{Error: "idempotency key reused with a different request"})
	case !existing.Completed():
		writeJSON(w, http.StatusConflict, errorBody{Error: "a request with this idempotency key is still in progress"})
	default:
		s.metrics.IncIdempotentReplay()
		w.Header().Set(replayedHeader, "true")
		writeRaw(w, existing.StatusCode, existing.Response)
	}
}

// initiate runs one conversion. committed reports whether a payout push may
// have been accepted, in which case the response must be kept for replays.
func (s *Server) initiate(ctx context.Context, req initiateRequest) (status int, resp any, committed bool) {
	receipt, err := s.svc.Initiate(ctx, offramp.ConversionRequest{
		WalletAddress: req.WalletAddress,
		SourceAmount:  req.USDCAmount,
		TargetAmount:  req.KSHAmount,
		PhoneNumber:   req.PhoneNumber,
		ChainID:       req.ChainID,
	})
	if err != nil {
		status, eb := errorResponse(err, "transaction failed")
		if status >= http.StatusInternalServerError {
			s.logger.Error("off-ramp initiation failed", zap.Int("status", status), zap.Error(err))
		}
		return status, eb, pushMayHaveHappened(err)
	}

	return http.StatusOK, initiateResponse{
		Success:           true,
		TransactionID:     receipt.TransactionID,
		Provider:          receipt.Provider,
		ChainID:           receipt.ChainID,
		NetworkName:       receipt.NetworkName,
		CheckoutRequestID: receipt.CheckoutRequestID,
		MerchantRequestID: receipt.MerchantRequestID,
		MpesaReference:    receipt.CheckoutRequestID,
		Message:           receipt.Message,
		CustomerMessage:   receipt.CustomerMessage,
	}, true
}

func pushMayHaveHappened(err error) bool {
	de, ok := domain.AsError(err)
	if !ok {
		return false
	}
	switch de.Kind {
	case domain.KindTimeout:
		return de.TransactionID != ""
	case domain.KindInternal:
		return len(de.CorrelationIDs) > 0
	}
	return false
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetStatus(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		status, eb := errorResponse(err, "failed to fetch transaction status")
		if status >= http.StatusInternalServerError {
			s.logger.Error("status lookup failed", zap.Error(err))
		}
		writeJSON(w, status, eb)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		TransactionID: rec.TransactionID,
		Status:        string(rec.Status),
		Message:       statusMessages[rec.Status],
		CompletedAt:   rec.CompletedAt,
		FailureReason: rec.FailureReason,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	evs, err := s.svc.History(r.Context(), id)
	if err != nil {
		status, eb := errorResponse(err, "failed to fetch transaction history")
		writeJSON(w, status, eb)
		return
	}

	out := eventsResponse{TransactionID: id, Events: make([]eventView, 0, len(evs))}
	for _, ev := range evs {
		out.Events = append(out.Events, eventView{
			ID:                ev.ID,
			Sequence:          ev.Sequence,
			Status:            string(ev.Status),
			RecordedAt:        ev.RecordedAt,
			CheckoutRequestID: ev.Change.CheckoutRequestID,
			ProviderReceipt:   ev.Change.ProviderReceipt,
			FailureReason:     ev.Change.FailureReason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMpesaCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := s.logger.With(zap.String("transaction_id", id))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "invalid callback payload"})
		return
	}
	cb, err := payout.ParseSTKCallback(body)
	if err != nil {
		logger.Warn("malformed stk callback", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "invalid callback payload"})
		return
	}

	conf := offramp.Confirmation{
		TransactionID:     id,
		CheckoutRequestID: cb.CheckoutRequestID,
		Success:           cb.Success(),
		ResultCode:        strconv.Itoa(cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
		ReceiptNumber:     cb.ReceiptNumber,
		Source:            offramp.SourceCallback,
	}
	if at, ok := cb.CompletedAt(); ok {
		conf.OccurredAt = at
	}

	_, err = s.svc.Confirm(r.Context(), conf)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
	case errors.Is(err, domain.ErrConflictingState):
		// a poll or an earlier delivery already settled it; redelivery will not help
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "Rejected"})
	default:
		logger.Error("stk callback not recorded", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, callbackAck{ResultCode: 1, ResultDesc: "Temporary failure"})
	}
}

type errorBody struct {
	Error         string `json:"error"`
	TransactionID string `json:"transactionId,omitempty"`
}

// errorResponse maps err to a status and a client-safe body. fallback is
// used for system faults, whose detail stays in the logs.
func errorResponse(err error, fallback string) (int, errorBody) {
	de, ok := domain.AsError(err)
	if !ok {
		return http.StatusInternalServerError, errorBody{Error: fallback}
	}
	switch de.Kind {
	case domain.KindInvalidInput, domain.KindInvalidPhoneFormat, domain.KindAmountOutOfBounds, domain.KindInsufficientBalance:
		return http.StatusBadRequest, errorBody{Error: de.Message}
	case domain.KindNotFound:
		return http.StatusNotFound, errorBody{Error: "transaction not found"}
	case domain.KindConflictingState:
		return http.StatusConflict, errorBody{Error: de.Message}
	case domain.KindTimeout:
		return http.StatusGatewayTimeout, errorBody{Error: "request timed out", TransactionID: de.TransactionID}
	case domain.KindPayoutProvider:
		return http.StatusInternalServerError, errorBody{Error: fmt.Sprintf("M-Pesa payment failed: %s", de.ProviderMessage)}
	case domain.KindInternal:
		if len(de.CorrelationIDs) > 0 {
			return http.StatusInternalServerError, errorBody{Error: fallback, TransactionID: de.TransactionID}
		}
	}
	return http.StatusInternalServerError, errorBody{Error: fallback}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"internal error"}`)
	}
	writeRaw(w, status, raw)
}

func writeRaw(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
