package offramp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"offramp/internal/domain"
	"offramp/internal/ledger"
)

const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
)

// Confirmation is the provider's final word on a push, delivered by callback
// or found by polling.
type Confirmation struct {
	TransactionID     string
	CheckoutRequestID string
	Success           bool
	ResultCode        string
	ResultDesc        string
	ReceiptNumber     string
	Source            string
	OccurredAt        time.Time
}

// Confirm records a terminal status. A confirmation may arrive before the
// initiated record has been written; the ledger merges the two in either
// order.
func (s *Service) Confirm(ctx context.Context, c Confirmation) (ledger.Record, error) {
	id := strings.TrimSpace(c.TransactionID)
	if id == "" {
		return ledger.Record{}, domain.InvalidInput("transactionId", "transaction id is required")
	}
	logger := s.logger.With(zap.String("transaction_id", id), zap.String("source", c.Source))

	prior, err := s.ledger.Get(ctx, id)
	known := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return ledger.Record{}, lookupError(id, err)
	}
	if known && prior.CheckoutRequestID != "" && c.CheckoutRequestID != "" && prior.CheckoutRequestID != c.CheckoutRequestID {
		logger.Warn("confirmation for a different checkout request",
			zap.String("recorded", prior.CheckoutRequestID),
			zap.String("received", c.CheckoutRequestID))
		return ledger.Record{}, domain.InvalidInput("checkoutRequestId", "checkout request id does not match transaction")
	}

	rec := ledger.Record{
		TransactionID:     id,
		CheckoutRequestID: c.CheckoutRequestID,
		Status:            ledger.StatusFailed,
	}
	if c.Success {
		rec.Status = ledger.StatusCompleted
		rec.ProviderReceipt = c.ReceiptNumber
	} else {
		rec.FailureReason = failureReason(c)
	}
	if !c.OccurredAt.IsZero() {
		at := c.OccurredAt.UTC()
		rec.CompletedAt = &at
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	stored, err := s.ledger.Append(lctx, rec)
	cancel()
	if err != nil {
		s.metrics.IncLedgerAppend(string(rec.Status), "error")
		if domain.KindOf(err) == domain.KindConflictingState {
			logger.Warn("conflicting confirmation rejected", zap.String("status", string(rec.Status)), zap.Error(err))
			return ledger.Record{}, err
		}
		logger.Error("confirmation not recorded", zap.String("status", string(rec.Status)), zap.Error(err))
		return ledger.Record{}, lookupError(id, err)
	}
	s.metrics.IncLedgerAppend(string(rec.Status), "ok")
	s.metrics.IncConfirmation(c.Source, string(stored.Status))

	if !known || prior.Version != stored.Version {
		logger.Info("transaction confirmed",
			zap.String("status", string(stored.Status)),
			zap.String("receipt", stored.ProviderReceipt))
		s.publish(ctx, stored, logger)
	}
	return stored, nil
}

func failureReason(c Confirmation) string {
	desc := strings.TrimSpace(c.ResultDesc)
	if desc == "" {
		desc = "payout not completed"
	}
	if c.ResultCode == "" {
		return desc
	}
	return fmt.Sprintf("%s (code %s)", desc, c.ResultCode)
}

// Redrive re-appends an initiated record whose first write failed.
func (s *Service) Redrive(ctx context.Context, rec ledger.Record) (ledger.Record, error) {
	if rec.Status != ledger.StatusInitiated {
		return ledger.Record{}, domain.InvalidInput("status", "only initiated records are redriven, got %q", rec.Status)
	}
	logger := s.logger.With(zap.String("transaction_id", rec.TransactionID))

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	stored, err := s.ledger.Append(lctx, rec)
	cancel()
	if err != nil {
		s.metrics.IncLedgerAppend(string(ledger.StatusInitiated), "error")
		return ledger.Record{}, err
	}
	s.metrics.IncLedgerAppend(string(ledger.StatusInitiated), "ok")
	logger.Info("dead-lettered record written", zap.String("status", string(stored.Status)))
	s.publish(ctx, stored, logger)
	return stored, nil
}
