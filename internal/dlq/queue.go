package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"offramp/internal/ledger"
)

// Entry is an initiated record whose ledger write failed after the payout
// provider had already accepted the push.
type Entry struct {
	ID         string        `json:"id"`
	Record     ledger.Record `json:"record"`
	Error      string        `json:"error"`
	Attempts   int           `json:"attempts"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	LastTryAt  *time.Time    `json:"lastTryAt,omitempty"`
}

// FileQueue stores one JSON file per entry under dir, so entries survive a
// restart and can be inspected by an operator.
type FileQueue struct {
	dir string
	mu  sync.Mutex
}

func NewFileQueue(dir string) (*FileQueue, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("dlq directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}
	return &FileQueue{dir: dir}, nil
}

// Put writes e, assigning an ID when it has none. Putting an existing ID
// replaces that entry.
func (q *FileQueue) Put(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal dlq entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tmp, err := os.CreateTemp(q.dir, ".tmp-*")
	if err != nil {
		return Entry{}, fmt.Errorf("create dlq file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Entry{}, fmt.Errorf("write dlq file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Entry{}, fmt.Errorf("close dlq file: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.path(e.ID)); err != nil {
		os.Remove(tmp.Name())
		return Entry{}, fmt.Errorf("commit dlq file: %w", err)
	}
	return e, nil
}

// List returns all entries, oldest first.
func (q *FileQueue) List() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entryFiles()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read dlq entry %s: %w", name, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode dlq entry %s: %w", name, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (q *FileQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove dlq entry: %w", err)
	}
	return nil
}

func (q *FileQueue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.entryFiles()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (q *FileQueue) entryFiles() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read dlq dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (q *FileQueue) path(id string) string {
	return filepath.Join(q.dir, filepath.Base(id)+".json")
}
