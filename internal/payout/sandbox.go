package payout

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SandboxClient accepts every push without calling Safaricom. Used when no
// Daraja credentials are configured.
type SandboxClient struct {
	logger *zap.Logger

	mu     sync.Mutex
	pushed map[string]PushRequest
}

func NewSandboxClient(logger *zap.Logger) *SandboxClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SandboxClient{logger: logger, pushed: make(map[string]PushRequest)}
}

func (s *SandboxClient) Name() string { return ProviderMpesa }

func (s *SandboxClient) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	if err := ctx.Err(); err != nil {
		return PushResult{}, &ProviderError{Provider: ProviderMpesa, Message: "request failed", Err: err}
	}
	if _, ok := NormalizeKenyanPhone(req.PhoneNumber); !ok {
		return PushResult{}, &ProviderError{Provider: ProviderMpesa, Code: "400.002.02", Message: "Bad Request - Invalid PhoneNumber"}
	}

	checkout := "ws_CO_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:20])
	merchant := uuid.NewString()

	s.mu.Lock()
	s.pushed[checkout] = req
	s.mu.Unlock()

	s.logger.Info("sandbox stk push",
		zap.String("reference", req.Reference),
		zap.String("checkout_request_id", checkout),
		zap.String("amount", req.Amount.String()))

	return PushResult{
		CorrelationID:          checkout,
		SecondaryCorrelationID: merchant,
		CustomerMessage:        "Success. Request accepted for processing",
	}, nil
}

// QueryStatus reports every push it issued as paid.
func (s *SandboxClient) QueryStatus(_ context.Context, checkoutRequestID string) (QueryResult, error) {
	s.mu.Lock()
	_, ok := s.pushed[checkoutRequestID]
	s.mu.Unlock()
	if !ok {
		return QueryResult{}, &ProviderError{Provider: ProviderMpesa, Code: "400.002.02", Message: "Bad Request - Invalid CheckoutRequestID"}
	}
	return QueryResult{Success: true, ResultCode: "0", ResultDesc: "The service request is processed successfully."}, nil
}
