// Package ids generates the prefixed, lexicographically sortable identifiers
// used by every backend. Identifiers are 26-character ULIDs: a millisecond
// timestamp followed by monotonic entropy, so ids minted by one generator
// compare in generation order even within the same millisecond.
package ids

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Entity id prefixes.
const (
	RunPrefix     = "wrun_"
	EventPrefix   = "wevt_"
	ChunkPrefix   = "chnk_"
	MessagePrefix = "msg_"
)

// Generator mints strictly increasing identifiers. It is process-wide per
// backend: constructed once at backend construction, no teardown. Safe for
// concurrent use; callers serialize on a short critical section around the
// monotonic entropy source.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    uint64
}

// NewGenerator returns a generator seeded with crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewID returns a fresh 26-character identifier, strictly greater than every
// id previously returned by this generator.
func (g *Generator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := ulid.Now()
	if ms < g.last {
		// Clock went backwards; keep the timestamp component monotonic and
		// let the entropy counter provide intra-millisecond ordering.
		ms = g.last
	}
	g.last = ms
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// Monotonic entropy overflowed within this millisecond. Advance the
		// timestamp component instead.
		g.last = ms + 1
		id = ulid.MustNew(g.last, g.entropy)
	}
	return id.String()
}

// RunID returns a fresh run identifier.
func (g *Generator) RunID() string { return RunPrefix + g.NewID() }

// EventID returns a fresh event identifier.
func (g *Generator) EventID() string { return EventPrefix + g.NewID() }

// ChunkID returns a fresh stream chunk identifier.
func (g *Generator) ChunkID() string { return ChunkPrefix + g.NewID() }

// MessageID returns a fresh queue message identifier.
func (g *Generator) MessageID() string { return MessagePrefix + g.NewID() }
