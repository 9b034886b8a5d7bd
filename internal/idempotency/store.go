package idempotency

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"offramp/internal/clock"
)

// Record holds a reserved key and, once the request finished, its response.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Completed reports whether a response has been stored.
func (r Record) Completed() bool { return r.StatusCode != 0 }

// Store abstracts idempotency persistence.
type Store interface {
	// Reserve claims key for a request with the given fingerprint. When the
	// key is already held, the holder's record is returned and reserved is
	// false.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (existing *Record, reserved bool, err error)
	// Save stores the response for a reserved key.
	Save(ctx context.Context, key string, record Record) error
	// Release drops a reservation whose request produced no response.
	Release(ctx context.Context, key string) error
}

var ErrNotReserved = errors.New("idempotency key not reserved")

// Fingerprint identifies a request payload. The salt keeps fingerprints from
// being precomputed by clients.
func Fingerprint(salt string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// MemoryStore is for tests and single-instance development.
type MemoryStore struct {
	clock clock.Clock
	mu    sync.Mutex
	data  map[string]Record
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{clock: clk, data: make(map[string]Record)}
}

func (m *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if rec, ok := m.data[key]; ok && now.Before(rec.ExpiresAt) {
		return &rec, false, nil
	}
	m.data[key] = Record{Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	return nil, true, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.data[key]
	if !ok {
		return ErrNotReserved
	}
	record.Fingerprint = held.Fingerprint
	record.CreatedAt = held.CreatedAt
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = held.ExpiresAt
	}
	m.data[key] = record
	return nil
}

// PurgeExpired deletes records past their expiry.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var n int64
	for key, rec := range m.data {
		if !now.Before(rec.ExpiresAt) {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !rec.Completed() {
		delete(m.data, key)
	}
	return nil
}
