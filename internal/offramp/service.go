package offramp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offramp/internal/balance"
	"offramp/internal/clock"
	"offramp/internal/dlq"
	"offramp/internal/domain"
	"offramp/internal/events"
	"offramp/internal/ledger"
	"offramp/internal/metrics"
	"offramp/internal/payout"
)

// NextStepMessage tells the end user what to do after an accepted push.
const NextStepMessage = "M-Pesa STK push sent. Please check your phone and enter your M-Pesa PIN."

type BalanceOracle interface {
	GetBalance(ctx context.Context, address string, chainID int64) decimal.Decimal
	Network(chainID int64) (balance.Network, bool)
}

type PayoutProvider interface {
	Name() string
	Push(ctx context.Context, req payout.PushRequest) (payout.PushResult, error)
}

type IDGenerator interface {
	Generate() (string, error)
}

type DeadLetters interface {
	Put(e dlq.Entry) (dlq.Entry, error)
}

type Config struct {
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	DefaultChainID int64
	BalanceTimeout time.Duration
	PayoutTimeout  time.Duration
	LedgerTimeout  time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinAmount:      decimal.NewFromInt(1),
		MaxAmount:      decimal.NewFromInt(1000),
		DefaultChainID: balance.BaseMainnetChainID,
		BalanceTimeout: 5 * time.Second,
		PayoutTimeout:  5 * time.Second,
		LedgerTimeout:  5 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

type Deps struct {
	Oracle      BalanceOracle
	Payouts     PayoutProvider
	Ledger      ledger.Store
	IDs         IDGenerator
	Events      events.Publisher
	DeadLetters DeadLetters
	Clock       clock.Clock
	Metrics     *metrics.Registry
	Logger      *zap.Logger
}

// ConversionRequest asks to convert SourceAmount USDC held by WalletAddress
// into TargetAmount KES paid to PhoneNumber. ChainID zero selects the
// configured default network.
type ConversionRequest struct {
	WalletAddress string
	SourceAmount  decimal.Decimal
	TargetAmount  decimal.Decimal
	PhoneNumber   string
	ChainID       int64
}

// Receipt is returned for an accepted payout push.
type Receipt struct {
	TransactionID     string
	Provider          string
	ChainID           int64
	NetworkName       string
	CheckoutRequestID string
	MerchantRequestID string
	Message           string
	CustomerMessage   string
}

// Service orchestrates off-ramp initiation and answers status queries from
// the ledger.
type Service struct {
	cfg     Config
	oracle  BalanceOracle
	payouts PayoutProvider
	ledger  ledger.Store
	ids     IDGenerator
	events  events.Publisher
	dlq     DeadLetters
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *zap.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Oracle == nil:
		return nil, errors.New("offramp: balance oracle is required")
	case deps.Payouts == nil:
		return nil, errors.New("offramp: payout provider is required")
	case deps.Ledger == nil:
		return nil, errors.New("offramp: ledger is required")
	case deps.IDs == nil:
		return nil, errors.New("offramp: id generator is required")
	}
	if cfg.MinAmount.IsNegative() || cfg.MaxAmount.LessThan(cfg.MinAmount) {
		return nil, fmt.Errorf("offramp: invalid compliance window [%s, %s]", cfg.MinAmount, cfg.MaxAmount)
	}
	if _, ok := deps.Oracle.Network(cfg.DefaultChainID); !ok {
		return nil, fmt.Errorf("offramp: default chain %d is not configured", cfg.DefaultChainID)
	}

	def := DefaultConfig()
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = def.BalanceTimeout
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = def.PayoutTimeout
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = def.LedgerTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Service{
		cfg:     cfg,
		oracle:  deps.Oracle,
		payouts: deps.Payouts,
		ledger:  deps.Ledger,
		ids:     deps.IDs,
		events:  deps.Events,
		dlq:     deps.DeadLetters,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}, nil
}

// Initiate validates req, checks the on-chain balance and pushes the payout.
// Once the push has started it runs to completion even if ctx is cancelled;
// an accepted push is always followed by a ledger write attempt.
func (s *Service) Initiate(ctx context.Context, req ConversionRequest) (*Receipt, error) {
	start := time.Now()
	receipt, err := s.initiate(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = string(domain.KindOf(err))
	}
	s.metrics.ObserveInitiation(outcome, time.Since(start))
	return receipt, err
}

type validated struct {
	wallet  string
	phone   string
	network balance.Network
}

type commitResult struct {
	receipt *Receipt
	err     error
}

func (s *Service) initiate(ctx context.Context, req ConversionRequest) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	v, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if err := s.checkBalance(ctx, v, req.SourceAmount); err != nil {
		return nil, err
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindInternal, Message: "could not allocate transaction id", Err: err}
	}
	logger := s.logger.With(zap.String("transaction_id", id))
	logger.Info("initiating off-ramp",
		zap.String("wallet", v.wallet),
		zap.String("usdc_amount", req.SourceAmount.String()),
		zap.String("kes_amount", req.TargetAmount.String()),
		zap.String("phone", payout.MaskPhone(v.phone)),
		zap.Int64("chain_id", v.network.ChainID))

	// the push and its ledger write outlive the caller
	unit := context.WithoutCancel(ctx)
	done := make(chan commitResult, 1)
	if !s.track() {
		logger.Warn("rejecting off-ramp during shutdown")
		return nil, errShuttingDown
	}
	go func() {
		defer s.inflight.Done()
		receipt, err := s.pushAndRecord(unit, id, req, v, logger)
		done <- commitResult{receipt, err}
	}()

	select {
	case res := <-done:
		return res.receipt, res.err
	case <-ctx.Done():
		logger.Warn("caller deadline passed before payout finished", zap.Error(ctx.Err()))
		return nil, &domain.Error{
			Kind:          domain.KindTimeout,
			Message:       "request timed out; check status with the transaction id",
			TransactionID: id,
			Err:           ctx.Err(),
		}
	}
}

func (s *Service) validate(req ConversionRequest) (validated, error) {
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		return validated{}, domain.InvalidInput("walletAddress", "walletAddress is required")
	}
	if !strings.HasPrefix(wallet, "0x") || !common.IsHexAddress(wallet) {
		return validated{}, domain.InvalidInput("walletAddress", "walletAddress must be a 0x-prefixed 20-byte hex address")
	}
	if !req.SourceAmount.IsPositive() {
		return validated{}, domain.InvalidInput("usdcAmount", "usdcAmount must be greater than zero")
	}
	if !req.TargetAmount.IsPositive() {
		return validated{}, domain.InvalidInput("kshAmount", "kshAmount must be greater than zero")
	}
	if err := checkAmountScale("usdcAmount", req.SourceAmount, usdcPlaces); err != nil {
		return validated{}, err
	}
	if err := checkAmountScale("kshAmount", req.TargetAmount, kesPlaces); err != nil {
		return validated{}, err
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return validated{}, domain.InvalidInput("phoneNumber", "phoneNumber is required")
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = s.cfg.DefaultChainID
	}
	network, ok := s.oracle.Network(chainID)
	if !ok {
		return validated{}, domain.InvalidInput("chainId", "unsupported chain id %d", chainID)
	}

	phone, ok := payout.NormalizeKenyanPhone(req.PhoneNumber)
	if !ok {
		return validated{}, domain.InvalidPhoneFormat()
	}

	if req.SourceAmount.LessThan(s.cfg.MinAmount) || req.SourceAmount.GreaterThan(s.cfg.MaxAmount) {
		return validated{}, &domain.Error{
			Kind:    domain.KindAmountOutOfBounds,
			Field:   "usdcAmount",
			Message: fmt.Sprintf("amount must be between %s and %s USDC", s.cfg.MinAmount, s.cfg.MaxAmount),
		}
	}

	return validated{
		wallet:  common.HexToAddress(wallet).Hex(),
		phone:   phone,
		network: network,
	}, nil
}

const (
	usdcPlaces = 6
	kesPlaces  = 2

	maxCoefficientBits = 128
	maxAmountExponent  = 15
)

var amountCeiling = decimal.New(1, maxAmountExponent)

// checkAmountScale rejects amounts finer than places decimal places or at or
// above 10^15. It only inspects the coefficient and exponent until both are
// known to be small, so comparisons afterwards stay cheap.
func checkAmountScale(field string, d decimal.Decimal, places int32) error {
	if d.Coefficient().BitLen() > maxCoefficientBits || d.Exponent() > maxAmountExponent {
		return domain.InvalidInput(field, "%s is too large", field)
	}
	if exp := d.Exponent(); exp < -places {
		// trailing zeros are allowed: 1.500000000 is still 1.5
		if exp < -(places+40) || !d.Truncate(places).Equal(d) {
			return domain.InvalidInput(field, "%s supports at most %d decimal places", field, places)
		}
	}
	if !d.LessThan(amountCeiling) {
		return domain.InvalidInput(field, "%s is too large", field)
	}
	return nil
}

// checkBalance is advisory: nothing is reserved on-chain between this read
// and the payout push.
func (s *Service) checkBalance(ctx context.Context, v validated, amount decimal.Decimal) error {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BalanceTimeout)
	defer cancel()

	bal := s.oracle.GetBalance(bctx, v.wallet, v.network.ChainID)
	if err := ctx.Err(); err != nil {
		return &domain.Error{Kind: domain.KindTimeout, Message: "request timed out during balance check", Err: err}
	}
	if bal.LessThan(amount) {
		s.metrics.IncBalanceCheck("insufficient")
		s.logger.Info("insufficient balance",
			zap.String("wallet", v.wallet),
			zap.String("balance", bal.String()),
			zap.String("requested", amount.String()))
		return &domain.Error{
			Kind:    domain.KindInsufficientBalance,
			Field:   "usdcAmount",
			Message: fmt.Sprintf("insufficient %s balance", v.network.TokenSymbol),
		}
	}
	s.metrics.IncBalanceCheck("sufficient")
	return nil
}

func (s *Service) pushAndRecord(ctx context.Context, id string, req ConversionRequest, v validated, logger *zap.Logger) (*Receipt, error) {
	provider := s.payouts.Name()

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PayoutTimeout)
	res, err := s.payouts.Push(pctx, payout.PushRequest{
		PhoneNumber: v.phone,
		Amount:      req.TargetAmount,
		Reference:   id,
		Description: fmt.Sprintf("USDC to KSH conversion - %s USDC", req.SourceAmount),
	})
	cancel()
	if err != nil {
		return nil, s.pushFailure(id, provider, err, logger)
	}
	s.metrics.IncPayoutPush(provider, "accepted")
	logger.Info("payout push accepted",
		zap.String("checkout_request_id", res.CorrelationID),
		zap.String("merchant_request_id", res.SecondaryCorrelationID))

	rec := ledger.Record{
		TransactionID:     id,
		WalletAddress:     v.wallet,
		SourceAmount:      req.SourceAmount,
		TargetAmount:      req.TargetAmount,
		PhoneNumber:       v.phone,
		Provider:          provider,
		ChainID:           v.network.ChainID,
		Status:            ledger.StatusInitiated,
		CheckoutRequestID: res.CorrelationID,
		MerchantRequestID: res.SecondaryCorrelationID,
		CreatedAt:         s.clock.Now(),
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	stored, err := s.ledger.Append(lctx, rec)
	cancel()
	if err != nil {
		s.metrics.IncLedgerAppend(string(ledger.StatusInitiated), "error")
		s.deadLetter(rec, err, logger)
		return nil, &domain.Error{
			Kind:           domain.KindInternal,
			Message:        "payout accepted but ledger write failed",
			TransactionID:  id,
			CorrelationIDs: rec.CorrelationIDs(),
			Err:            err,
		}
	}
	s.metrics.IncLedgerAppend(string(ledger.StatusInitiated), "ok")
	s.publish(ctx, stored, logger)

	return &Receipt{
		TransactionID:     id,
		Provider:          provider,
		ChainID:           v.network.ChainID,
		NetworkName:       v.network.Name,
		CheckoutRequestID: res.CorrelationID,
		MerchantRequestID: res.SecondaryCorrelationID,
		Message:           NextStepMessage,
		CustomerMessage:   res.CustomerMessage,
	}, nil
}

// pushFailure classifies a failed push. No ledger entry is written for it:
// a push that timed out is treated like one that was never accepted.
func (s *Service) pushFailure(id, provider string, err error, logger *zap.Logger) error {
	if errors.Is(err, context.DeadlineExceeded) {
		s.metrics.IncPayoutPush(provider, "timeout")
		logger.Warn("payout push timed out", zap.Error(err))
		return &domain.Error{
			Kind:          domain.KindTimeout,
			Message:       "payout provider did not respond in time",
			TransactionID: id,
			Err:           err,
		}
	}

	s.metrics.IncPayoutPush(provider, "rejected")
	providerMsg := err.Error()
	var perr *payout.ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		providerMsg = perr.Message
	}
	logger.Warn("payout push failed", zap.String("provider_message", providerMsg), zap.Error(err))
	return &domain.Error{
		Kind:            domain.KindPayoutProvider,
		Message:         "payout provider rejected the request",
		ProviderMessage: providerMsg,
		TransactionID:   id,
		Err:             err,
	}
}

func (s *Service) deadLetter(rec ledger.Record, cause error, logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("checkout_request_id", rec.CheckoutRequestID),
		zap.String("merchant_request_id", rec.MerchantRequestID),
		zap.Error(cause),
	}
	if s.dlq == nil {
		logger.Error("ledger write failed after accepted payout; manual reconciliation required", fields...)
		return
	}
	entry, err := s.dlq.Put(dlq.Entry{Record: rec, Error: cause.Error(), EnqueuedAt: s.clock.Now()})
	if err != nil {
		logger.Error("ledger write failed after accepted payout and dead-letter write failed; manual reconciliation required",
			append(fields, zap.NamedError("dlq_error", err))...)
		return
	}
	logger.Error("ledger write failed after accepted payout; queued for redrive",
		append(fields, zap.String("dlq_entry", entry.ID))...)
}

func (s *Service) publish(ctx context.Context, r ledger.Record, logger *zap.Logger) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	defer cancel()
	if err := s.events.PublishTransition(pctx, r); err != nil {
		s.metrics.IncEventPublished("error")
		logger.Warn("lifecycle event publish failed", zap.String("status", string(r.Status)), zap.Error(err))
		return
	}
	s.metrics.IncEventPublished("ok")
}

// GetStatus returns the latest ledger view of transactionID.
func (s *Service) GetStatus(ctx context.Context, transactionID string) (ledger.Record, error) {
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return ledger.Record{}, domain.InvalidInput("id", "transaction id is required")
	}
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return ledger.Record{}, lookupError(id, err)
	}
	return rec, nil
}

// History returns every accepted ledger event for transactionID.
func (s *Service) History(ctx context.Context, transactionID string) ([]ledger.Event, error) {
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return nil, domain.InvalidInput("id", "transaction id is required")
	}
	evs, err := s.ledger.History(ctx, id)
	if err != nil {
		return nil, lookupError(id, err)
	}
	return evs, nil
}

func lookupError(id string, err error) error {
	if _, ok := domain.AsError(err); ok {
		return err
	}
	return &domain.Error{Kind: domain.KindInternal, Message: "transaction lookup failed", TransactionID: id, Err: err}
}

var errShuttingDown = &domain.Error{Kind: domain.KindInternal, Message: "service is shutting down"}

// track registers a push with the drain group unless Close has been called.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Close stops Initiate from starting new pushes. Pushes already started are
// unaffected; use Wait to drain them.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Wait blocks until every in-flight push and ledger write has finished.
// Call Close first, otherwise a push started during Wait may be missed.
func (s *Service) Wait() {
	s.inflight.Wait()
}
