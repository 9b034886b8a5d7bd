package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"offramp/internal/clock"
	"offramp/internal/domain"
)

// MemoryStore keeps the ledger in process memory. Appends to the same
// transaction ID are serialized; different IDs only contend on the map lock.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.RWMutex
	locks   map[string]*sync.Mutex
	records map[string]Record
	events  map[string][]Event
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{
		clock:   clk,
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string]Record),
		events:  make(map[string][]Event),
	}
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) Append(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(r.TransactionID) == "" {
		return Record{}, domain.InvalidInput("transactionId", "transaction id is required")
	}

	l := s.lockFor(r.TransactionID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	existing, ok := s.records[r.TransactionID]
	s.mu.RUnlock()

	var prev *Record
	if ok {
		prev = &existing
	}
	now := s.clock.Now()
	merged, changed, err := Merge(prev, r, now)
	if err != nil {
		return Record{}, err
	}
	if !changed {
		return merged, nil
	}

	ev := Event{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		TransactionID: r.TransactionID,
		Sequence:      merged.Version,
		Status:        merged.Status,
		Change:        r,
		RecordedAt:    now,
	}

	s.mu.Lock()
	s.records[r.TransactionID] = merged
	s.events[r.TransactionID] = append(s.events[r.TransactionID], ev)
	s.mu.Unlock()
	return merged, nil
}

func (s *MemoryStore) Get(ctx context.Context, transactionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[transactionID]
	if !ok {
		return Record{}, domain.NotFound(transactionID)
	}
	return r, nil
}

func (s *MemoryStore) History(ctx context.Context, transactionID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs, ok := s.events[transactionID]
	if !ok {
		return nil, domain.NotFound(transactionID)
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, olderThan time.Time, after Cursor, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if r.Status == status && r.UpdatedAt.Before(olderThan) && !after.Before(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
