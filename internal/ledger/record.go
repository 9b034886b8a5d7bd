package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"offramp/internal/domain"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the latest view of one off-ramp transaction.
type Record struct {
	TransactionID     string          `json:"transactionId"`
	WalletAddress     string          `json:"walletAddress,omitempty"`
	SourceAmount      decimal.Decimal `json:"sourceAmount"`
	TargetAmount      decimal.Decimal `json:"targetAmount"`
	PhoneNumber       string          `json:"phoneNumber,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	ChainID           int64           `json:"chainId,omitempty"`
	Status            Status          `json:"status"`
	CheckoutRequestID string          `json:"checkoutRequestId,omitempty"`
	MerchantRequestID string          `json:"merchantRequestId,omitempty"`
	ProviderReceipt   string          `json:"providerReceipt,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	Version           int             `json:"version"`
}

// CorrelationIDs lists the provider identifiers known for the record.
func (r Record) CorrelationIDs() []string {
	var ids []string
	for _, id := range []string{r.CheckoutRequestID, r.MerchantRequestID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Event is one accepted append. Change holds the record as it was submitted,
// Status the resulting status.
type Event struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	Sequence      int       `json:"sequence"`
	Status        Status    `json:"status"`
	Change        Record    `json:"change"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// Store is the append-only compliance ledger.
type Store interface {
	// Append merges r into the record with the same transaction ID. Appends
	// that change nothing succeed without recording an event.
	Append(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, transactionID string) (Record, error)
	History(ctx context.Context, transactionID string) ([]Event, error)
	// ListByStatus returns up to limit records in status last updated before
	// olderThan, ordered by (UpdatedAt, TransactionID) and starting strictly
	// after the cursor. The zero Cursor starts from the oldest record.
	ListByStatus(ctx context.Context, status Status, olderThan time.Time, after Cursor, limit int) ([]Record, error)
}

// Cursor is a position in ListByStatus order.
type Cursor struct {
	UpdatedAt     time.Time
	TransactionID string
}

// CursorAfter returns the position just past r.
func CursorAfter(r Record) Cursor {
	return Cursor{UpdatedAt: r.UpdatedAt, TransactionID: r.TransactionID}
}

// Before reports whether r sorts at or before the cursor.
func (c Cursor) Before(r Record) bool {
	if r.UpdatedAt.Equal(c.UpdatedAt) {
		return r.TransactionID <= c.TransactionID
	}
	return r.UpdatedAt.Before(c.UpdatedAt)
}

// Merge applies incoming to existing (nil when the ID is new) and returns
// the resulting record and whether anything changed.
func Merge(existing *Record, incoming Record, now time.Time) (Record, bool, error) {
	if strings.TrimSpace(incoming.TransactionID) == "" {
		return Record{}, false, domain.InvalidInput("transactionId", "transaction id is required")
	}
	if !incoming.Status.Valid() {
		return Record{}, false, domain.InvalidInput("status", "unknown status %q", incoming.Status)
	}

	if existing == nil {
		rec := incoming
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if rec.Status.Terminal() {
			if rec.CompletedAt == nil {
				rec.CompletedAt = &now
			}
		} else {
			rec.CompletedAt = nil
		}
		rec.Version = 1
		return rec, true, nil
	}

	cur := *existing
	m := merger{id: cur.TransactionID}

	m.fillString(&cur.WalletAddress, incoming.WalletAddress, "wallet address", strings.EqualFold)
	m.fillDecimal(&cur.SourceAmount, incoming.SourceAmount, "source amount")
	m.fillDecimal(&cur.TargetAmount, incoming.TargetAmount, "target amount")
	m.fillString(&cur.PhoneNumber, incoming.PhoneNumber, "phone number", nil)
	m.fillString(&cur.Provider, incoming.Provider, "provider", nil)
	m.fillString(&cur.CheckoutRequestID, incoming.CheckoutRequestID, "checkout request id", nil)
	m.fillString(&cur.MerchantRequestID, incoming.MerchantRequestID, "merchant request id", nil)
	m.fillString(&cur.ProviderReceipt, incoming.ProviderReceipt, "provider receipt", nil)
	if incoming.ChainID != 0 {
		switch {
		case cur.ChainID == 0:
			cur.ChainID = incoming.ChainID
			m.changed = true
		case cur.ChainID != incoming.ChainID:
			m.conflict("chain id is %d, got %d", cur.ChainID, incoming.ChainID)
		}
	}
	if !incoming.CreatedAt.IsZero() && incoming.CreatedAt.Before(cur.CreatedAt) {
		cur.CreatedAt = incoming.CreatedAt
		m.changed = true
	}
	if cur.FailureReason == "" && incoming.FailureReason != "" {
		cur.FailureReason = incoming.FailureReason
		m.changed = true
	}

	switch {
	case cur.Status.Terminal() && incoming.Status.Terminal() && cur.Status != incoming.Status:
		m.conflict("status is %s, got %s", cur.Status, incoming.Status)
	case cur.Status.Terminal():
		// same terminal status, or a late non-terminal write: keep what we have
	case incoming.Status.Terminal():
		cur.Status = incoming.Status
		if incoming.CompletedAt != nil {
			cur.CompletedAt = incoming.CompletedAt
		} else {
			cur.CompletedAt = &now
		}
		m.changed = true
	}

	if m.err != nil {
		return *existing, false, m.err
	}
	if !m.changed {
		return cur, false, nil
	}
	cur.UpdatedAt = now
	cur.Version++
	return cur, true, nil
}

type merger struct {
	id      string
	changed bool
	err     error
}

func (m *merger) conflict(format string, args ...any) {
	if m.err == nil {
		m.err = domain.Conflict(m.id, format, args...)
	}
}

func (m *merger) fillString(dst *string, in, name string, eq func(a, b string) bool) {
	if in == "" {
		return
	}
	if *dst == "" {
		*dst = in
		m.changed = true
		return
	}
	if eq == nil {
		eq = func(a, b string) bool { return a == b }
	}
	if !eq(*dst, in) {
		m.conflict("%s is immutable", name)
	}
}

func (m *merger) fillDecimal(dst *decimal.Decimal, in decimal.Decimal, name string) {
	if in.IsZero() {
		return
	}
	if dst.IsZero() {
		*dst = in
		m.changed = true
		return
	}
	if !dst.Equal(in) {
		m.conflict("%s is immutable", name)
	}
}
