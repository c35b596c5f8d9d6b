// Package dedupe tracks ledger event keys so that replayed log batches are
// applied at most once.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultMaxSize = 50_000

// Deduper records seen event keys.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord forgets key so the event can be applied again, e.g. when the
	// queue rejected it.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// inMemoryDeduper keeps keys in a map and, when bounded, evicts the oldest
// key first using a ring of insertion order.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]uint64 // key -> insertion generation
	ring    []ringSlot
	head    int
	gen     uint64
	maxSize int
	size    atomic.Int64
}

type ringSlot struct {
	key string
	gen uint64
}

// NewInMemoryDeduper creates a deduper. A non-positive WithMaxSize makes it unbounded.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]uint64)
	if d.maxSize > 0 {
		d.ring = make([]ringSlot, d.maxSize)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	d.gen++
	if d.maxSize > 0 {
		// The slot under head is the oldest insertion; drop it if still live.
		old := d.ring[d.head]
		if old.gen != 0 {
			if g, ok := d.seen[old.key]; ok && g == old.gen {
				delete(d.seen, old.key)
				d.size.Add(-1)
			}
		}
		d.ring[d.head] = ringSlot{key: key, gen: d.gen}
		d.head = (d.head + 1) % d.maxSize
	}
	d.seen[key] = d.gen
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// The ring slot is left behind; its generation no longer matches.
	if _, ok := d.seen[key]; ok {
		delete(d.seen, key)
		d.size.Add(-1)
	}
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
