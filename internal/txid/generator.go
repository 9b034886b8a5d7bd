package txid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPrefix = "KE"

	suffixLen = 6
	// suffixSpace is 36^6, the number of distinct base36 suffixes.
	suffixSpace uint64 = 2_176_782_336
)

// Generator mints identifiers of the form PREFIX_<base36 ms>_<6 base36>.
// IDs from one Generator never repeat and sort by time; separate instances
// rely only on the random suffix, so no shared counter is needed.
type Generator struct {
	prefix  string
	now     func() time.Time
	entropy io.Reader

	mu         sync.Mutex
	lastMillis int64
	lastSuffix uint64
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithEntropy(r io.Reader) Option {
	return func(g *Generator) { g.entropy = r }
}

func New(prefix string, opts ...Option) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	g := &Generator{
		prefix:     strings.ToUpper(prefix),
		now:        time.Now,
		entropy:    rand.Reader,
		lastMillis: -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the next identifier.
func (g *Generator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMillis {
		// wall clock stepped back; stay on the last issued millisecond
		ms = g.lastMillis
	}

	if ms == g.lastMillis {
		g.lastSuffix++
		if g.lastSuffix >= suffixSpace {
			ms++
			sfx, err := g.randomSuffix()
			if err != nil {
				return "", err
			}
			g.lastSuffix = sfx
		}
	} else {
		sfx, err := g.randomSuffix()
		if err != nil {
			return "", err
		}
		g.lastSuffix = sfx
	}
	g.lastMillis = ms

	return format(g.prefix, ms, g.lastSuffix), nil
}

func (g *Generator) randomSuffix() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(g.entropy, buf[:]); err != nil {
		return 0, fmt.Errorf("read entropy: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]) % suffixSpace, nil
}

func format(prefix string, ms int64, suffix uint64) string {
	ts := strings.ToUpper(strconv.FormatInt(ms, 36))
	sfx := strings.ToUpper(strconv.FormatUint(suffix, 36))
	if pad := suffixLen - len(sfx); pad > 0 {
		sfx = strings.Repeat("0", pad) + sfx
	}
	return prefix + "_" + ts + "_" + sfx
}
