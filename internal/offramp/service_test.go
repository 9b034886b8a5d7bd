package offramp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offramp/internal/balance"
	"offramp/internal/clock"
	"offramp/internal/dlq"
	"offramp/internal/domain"
	"offramp/internal/ledger"
	"offramp/internal/payout"
	"offramp/internal/txid"
)

const (
	wallet  = "0x52908400098527886E0F7030069857D2E4169EE7"
	idRegex = `^KE_[0-9A-Z]+_[0-9A-Z]{6}$`
)

type fakeOracle struct {
	balance decimal.Decimal
	calls   atomic.Int32
}

func (f *fakeOracle) GetBalance(context.Context, string, int64) decimal.Decimal {
	f.calls.Add(1)
	return f.balance
}

func (f *fakeOracle) Network(chainID int64) (balance.Network, bool) {
	for _, n := range balance.DefaultNetworks() {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return balance.Network{}, false
}

type fakePayout struct {
	result payout.PushResult
	err    error
	delay  time.Duration

	calls atomic.Int32
	mu    sync.Mutex
	last  payout.PushRequest
}

func (f *fakePayout) Name() string { return payout.ProviderMpesa }

func (f *fakePayout) Push(ctx context.Context, req payout.PushRequest) (payout.PushResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return payout.PushResult{}, &payout.ProviderError{Provider: payout.ProviderMpesa, Message: "request failed", Err: ctx.Err()}
		}
	}
	return f.result, f.err
}

func (f *fakePayout) lastRequest() payout.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type failingLedger struct {
	ledger.Store
	err error
}

func (f failingLedger) Append(context.Context, ledger.Record) (ledger.Record, error) {
	return ledger.Record{}, f.err
}

type recordingPublisher struct {
	mu   sync.Mutex
	seen []ledger.Record
}

func (p *recordingPublisher) PublishTransition(_ context.Context, r ledger.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, r)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) statuses() []ledger.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ledger.Status
	for _, r := range p.seen {
		out = append(out, r.Status)
	}
	return out
}

type harness struct {
	svc       *Service
	oracle    *fakeOracle
	payouts   *fakePayout
	ledger    *ledger.MemoryStore
	queue     *dlq.FileQueue
	publisher *recordingPublisher
}

func accepted() payout.PushResult {
	return payout.PushResult{
		CorrelationID:          "ws_CO_123",
		SecondaryCorrelationID: "29115-34620561-1",
		CustomerMessage:        "Success. Request accepted for processing",
	}
}

func newHarness(t *testing.T, mutate func(cfg *Config, deps *Deps)) *harness {
	t.Helper()
	h := &harness{
		oracle:    &fakeOracle{balance: decimal.NewFromInt(50)},
		payouts:   &fakePayout{result: accepted()},
		ledger:    ledger.NewMemoryStore(clock.NewSystem()),
		publisher: &recordingPublisher{},
	}
	q, err := dlq.NewFileQueue(t.TempDir())
	require.NoError(t, err)
	h.queue = q

	cfg := DefaultConfig()
	deps := Deps{
		Oracle:      h.oracle,
		Payouts:     h.payouts,
		Ledger:      h.ledger,
		IDs:         txid.New(txid.DefaultPrefix),
		Events:      h.publisher,
		DeadLetters: h.queue,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.svc, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func validRequest() ConversionRequest {
	return ConversionRequest{
		WalletAddress: wallet,
		SourceAmount:  decimal.NewFromInt(10),
		TargetAmount:  decimal.NewFromInt(1300),
		PhoneNumber:   "+254712345678",
	}
}

func (h *harness) assertNoSideEffects(t *testing.T, balanceQueried bool) {
	t.Helper()
	if !balanceQueried {
		assert.Zero(t, h.oracle.calls.Load(), "balance queried")
	}
	assert.Zero(t, h.payouts.calls.Load(), "payout pushed")
	recs, err := h.ledger.ListByStatus(context.Background(), ledger.StatusInitiated, time.Now().Add(time.Hour), ledger.Cursor{}, 0)
	require.NoError(t, err)
	assert.Empty(t, recs, "ledger written")
}

func TestInitiateScenarioRecordsInitiated(t *testing.T) {
	h := newHarness(t, nil)

	receipt, err := h.svc.Initiate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Regexp(t, idRegex, receipt.TransactionID)
	assert.Equal(t, "ws_CO_123", receipt.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", receipt.MerchantRequestID)
	assert.Equal(t, "mpesa", receipt.Provider)
	assert.Equal(t, int64(balance.BaseMainnetChainID), receipt.ChainID)
	assert.Equal(t, "Base", receipt.NetworkName)
	assert.Equal(t, NextStepMessage, receipt.Message)
	assert.Equal(t, "Success. Request accepted for processing", receipt.CustomerMessage)

	rec, err := h.svc.GetStatus(context.Background(), receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInitiated, rec.Status)
	assert.Equal(t, "254712345678", rec.PhoneNumber)
	assert.Equal(t, wallet, rec.WalletAddress)
	assert.Equal(t, "ws_CO_123", rec.CheckoutRequestID)
	assert.True(t, rec.SourceAmount.Equal(decimal.NewFromInt(10)))

	push := h.payouts.lastRequest()
	assert.Equal(t, receipt.TransactionID, push.Reference)
	assert.Equal(t, "254712345678", push.PhoneNumber)
	assert.True(t, push.Amount.Equal(decimal.NewFromInt(1300)))
	assert.Equal(t, "USDC to KSH conversion - 10 USDC", push.Description)

	assert.Equal(t, []ledger.Status{ledger.StatusInitiated}, h.publisher.statuses())
}

func TestInitiateRejectsAmountOutsideWindow(t *testing.T) {
	for _, amount := range []string{"0.5", "0.999999", "1000.000001", "5000"} {
		t.Run(amount, func(t *testing.T) {
			h := newHarness(t, nil)
			req := validRequest()
			req.SourceAmount = decimal.RequireFromString(amount)

			_, err := h.svc.Initiate(context.Background(), req)

			require.True(t, errors.Is(err, domain.ErrAmountOutOfBounds), "got %v", err)
			h.assertNoSideEffects(t, false)
		})
	}
}

func TestInitiateAcceptsWindowEdges(t *testing.T) {
	for _, amount := range []string{"1", "1000"} {
		h := newHarness(t, nil)
		h.oracle.balance = decimal.NewFromInt(1000)
		req := validRequest()
		req.SourceAmount = decimal.RequireFromString(amount)

		_, err := h.svc.Initiate(context.Background(), req)
		require.NoError(t, err, amount)
	}
}

func TestInitiateUsesConfiguredWindow(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.MinAmount = decimal.NewFromInt(20)
	})

	_, err := h.svc.Initiate(context.Background(), validRequest())

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindAmountOutOfBounds, de.Kind)
	assert.Equal(t, "amount must be between 20 and 1000 USDC", de.Message)
}

func TestInitiateRejectsMalformedPhone(t *testing.T) {
	for _, phone := range []string{"+255712345678", "12345", "0812345678", "07123456789", "not-a-phone"} {
		t.Run(phone, func(t *testing.T) {
			h := newHarness(t, nil)
			req := validRequest()
			req.PhoneNumber = phone

			_, err := h.svc.Initiate(context.Background(), req)

			require.True(t, errors.Is(err, domain.ErrInvalidPhoneFormat), "got %v", err)
			h.assertNoSideEffects(t, false)
		})
	}
}

func TestInitiateRejectsInvalidInput(t *testing.T) {
	cases := map[string]struct {
		mutate func(r *ConversionRequest)
		field  string
	}{
		"missing wallet":    {func(r *ConversionRequest) { r.WalletAddress = "" }, "walletAddress"},
		"malformed wallet":  {func(r *ConversionRequest) { r.WalletAddress = "0x1234" }, "walletAddress"},
		"unprefixed wallet": {func(r *ConversionRequest) { r.WalletAddress = wallet[2:] }, "walletAddress"},
		"zero usdc":         {func(r *ConversionRequest) { r.SourceAmount = decimal.Zero }, "usdcAmount"},
		"negative usdc":     {func(r *ConversionRequest) { r.SourceAmount = decimal.NewFromInt(-5) }, "usdcAmount"},
		"zero kes":          {func(r *ConversionRequest) { r.TargetAmount = decimal.Zero }, "kshAmount"},
		"missing phone":     {func(r *ConversionRequest) { r.PhoneNumber = " " }, "phoneNumber"},
		"unsupported chain": {func(r *ConversionRequest) { r.ChainID = 1 }, "chainId"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			req := validRequest()
			tc.mutate(&req)

			_, err := h.svc.Initiate(context.Background(), req)

			var de *domain.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, domain.KindInvalidInput, de.Kind)
			assert.Equal(t, tc.field, de.Field)
			h.assertNoSideEffects(t, false)
		})
	}
}

func TestInitiateRejectsAmountScale(t *testing.T) {
	cases := map[string]struct {
		usdc, kes string
		field     string
	}{
		"tiny exponent usdc":   {"1e-200000000", "1300", "usdcAmount"},
		"tiny exponent kes":    {"10", "1e-200000000", "kshAmount"},
		"huge exponent usdc":   {"1e200000000", "1300", "usdcAmount"},
		"huge exponent kes":    {"10", "1e200000000", "kshAmount"},
		"seven places usdc":    {"10.0000001", "1300", "usdcAmount"},
		"three places kes":     {"10", "1300.001", "kshAmount"},
		"long coefficient kes": {"10", "123456789012345678901234567890123456789012345", "kshAmount"},
		"kes at ceiling":       {"10", "1000000000000000", "kshAmount"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			req := validRequest()
			req.SourceAmount = decimal.RequireFromString(tc.usdc)
			req.TargetAmount = decimal.RequireFromString(tc.kes)

			start := time.Now()
			_, err := h.svc.Initiate(context.Background(), req)

			assert.Less(t, time.Since(start), time.Second)
			var de *domain.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, domain.KindInvalidInput, de.Kind)
			assert.Equal(t, tc.field, de.Field)
			h.assertNoSideEffects(t, false)
		})
	}
}

func TestInitiateAcceptsTrailingZeros(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.SourceAmount = decimal.RequireFromString("10.500000000000")
	req.TargetAmount = decimal.RequireFromString("1300.5000")

	_, err := h.svc.Initiate(context.Background(), req)

	require.NoError(t, err)
}

func TestInitiateSelectsRequestedChain(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.ChainID = balance.BaseSepoliaChainID

	receipt, err := h.svc.Initiate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Base Sepolia", receipt.NetworkName)
}

func TestInitiateInsufficientBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.balance = decimal.RequireFromString("5.0")

	_, err := h.svc.Initiate(context.Background(), validRequest())

	require.True(t, errors.Is(err, domain.ErrInsufficientBalance), "got %v", err)
	assert.Equal(t, int32(1), h.oracle.calls.Load())
	h.assertNoSideEffects(t, true)
}

func TestInitiateFailedBalanceReadRejects(t *testing.T) {
	// the oracle reports read failures as zero
	h := newHarness(t, nil)
	h.oracle.balance = decimal.Zero

	_, err := h.svc.Initiate(context.Background(), validRequest())

	require.True(t, errors.Is(err, domain.ErrInsufficientBalance), "got %v", err)
	assert.Zero(t, h.payouts.calls.Load())
}

func TestInitiateProviderErrorWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.payouts.err = &payout.ProviderError{Provider: "mpesa", Code: "400.002.02", Message: "Bad Request - Invalid PhoneNumber"}

	_, err := h.svc.Initiate(context.Background(), validRequest())

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindPayoutProvider, de.Kind)
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", de.ProviderMessage)
	assert.Regexp(t, idRegex, de.TransactionID)

	_, err = h.svc.GetStatus(context.Background(), de.TransactionID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, h.publisher.statuses())
}

func TestInitiatePushTimeoutWritesNothing(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.PayoutTimeout = 50 * time.Millisecond
	})
	h.payouts.delay = time.Second

	_, err := h.svc.Initiate(context.Background(), validRequest())

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindTimeout, de.Kind)
	require.NotEmpty(t, de.TransactionID)

	h.svc.Wait()
	_, err = h.svc.GetStatus(context.Background(), de.TransactionID)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
	depth, err := h.queue.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestInitiateRecordsAfterCallerDeadline(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.RequestTimeout = 50 * time.Millisecond
	})
	h.payouts.delay = 200 * time.Millisecond

	_, err := h.svc.Initiate(context.Background(), validRequest())

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindTimeout, de.Kind)
	require.Regexp(t, idRegex, de.TransactionID)

	require.Eventually(t, func() bool {
		rec, err := h.svc.GetStatus(context.Background(), de.TransactionID)
		return err == nil && rec.Status == ledger.StatusInitiated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitiateSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, nil)
	h.payouts.delay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for h.payouts.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.svc.Initiate(ctx, validRequest())
	de, ok := domain.AsError(err)
	require.True(t, ok, "got %v", err)
	require.NotEmpty(t, de.TransactionID)

	h.svc.Wait()
	rec, err := h.svc.GetStatus(context.Background(), de.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInitiated, rec.Status)
	assert.Equal(t, "ws_CO_123", rec.CheckoutRequestID)
}

func TestCloseRejectsNewPushesAndDrainsStarted(t *testing.T) {
	h := newHarness(t, nil)
	h.payouts.delay = 100 * time.Millisecond

	first := make(chan error, 1)
	go func() {
		_, err := h.svc.Initiate(context.Background(), validRequest())
		first <- err
	}()
	require.Eventually(t, func() bool { return h.payouts.calls.Load() == 1 }, time.Second, time.Millisecond)

	h.svc.Close()

	_, err := h.svc.Initiate(context.Background(), validRequest())
	de, ok := domain.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, domain.KindInternal, de.Kind)
	assert.Contains(t, de.Message, "shutting down")
	assert.Equal(t, int32(1), h.payouts.calls.Load(), "push started after close")

	drained := make(chan struct{})
	go func() {
		h.svc.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after close")
	}

	require.NoError(t, <-first)
	recs, err := h.ledger.ListByStatus(context.Background(), ledger.StatusInitiated, time.Now().Add(time.Hour), ledger.Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestInitiateLedgerFailureIsDeadLettered(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Ledger = failingLedger{Store: deps.Ledger, err: errors.New("connection refused")}
	})

	_, err := h.svc.Initiate(context.Background(), validRequest())

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindInternal, de.Kind)
	assert.Regexp(t, idRegex, de.TransactionID)
	assert.Equal(t, []string{"ws_CO_123", "29115-34620561-1"}, de.CorrelationIDs)

	entries, err := h.queue.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, de.TransactionID, entries[0].Record.TransactionID)
	assert.Equal(t, ledger.StatusInitiated, entries[0].Record.Status)
	assert.Equal(t, "ws_CO_123", entries[0].Record.CheckoutRequestID)
	assert.Equal(t, "connection refused", entries[0].Error)
}

func TestInitiateConcurrentRequests(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	ids := make([]string, 100)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.svc.Initiate(context.Background(), validRequest())
			if assert.NoError(t, err) {
				ids[i] = r.TransactionID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		_, err := h.svc.GetStatus(context.Background(), id)
		require.NoError(t, err)
	}
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.GetStatus(ctx, " ")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = h.svc.GetStatus(ctx, "KE_UNKNOWN_000000")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	receipt, err := h.svc.Initiate(ctx, validRequest())
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, Confirmation{TransactionID: receipt.TransactionID, CheckoutRequestID: "ws_CO_123", Success: true, ReceiptNumber: "NLJ7RT61SV", Source: SourceCallback})
	require.NoError(t, err)

	rec, err := h.svc.GetStatus(ctx, receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, "NLJ7RT61SV", rec.ProviderReceipt)
	assert.NotNil(t, rec.CompletedAt)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxAmount = decimal.NewFromInt(0)
	_, err = New(cfg, Deps{Oracle: &fakeOracle{}, Payouts: &fakePayout{}, Ledger: ledger.NewMemoryStore(nil), IDs: txid.New("KE")})
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.DefaultChainID = 1
	_, err = New(cfg, Deps{Oracle: &fakeOracle{}, Payouts: &fakePayout{}, Ledger: ledger.NewMemoryStore(nil), IDs: txid.New("KE")})
	assert.Error(t, err)
}
