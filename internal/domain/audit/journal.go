package audit

import "sync"

const defaultRetention = 256

// Journal retains the most recent finished trails in a ring.
type Journal struct {
	mu    sync.Mutex
	ring  []*Trail
	next  int
	count int
}

// NewJournal keeps up to retention trails; non-positive uses the default.
func NewJournal(retention int) *Journal {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Journal{ring: make([]*Trail, retention)}
}

// Keep finishes t and stores it, evicting the oldest trail when full.
func (j *Journal) Keep(t *Trail) {
	if j == nil || t == nil {
		return
	}
	t.Finish()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ring[j.next] = t
	j.next = (j.next + 1) % len(j.ring)
	if j.count < len(j.ring) {
		j.count++
	}
}

// Recent returns up to limit summaries, newest first.
func (j *Journal) Recent(limit int) []Summary {
	j.mu.Lock()
	trails := make([]*Trail, 0, j.count)
	for i := 1; i <= j.count; i++ {
		idx := (j.next - i + len(j.ring)) % len(j.ring)
		trails = append(trails, j.ring[idx])
	}
	j.mu.Unlock()

	if limit > 0 && len(trails) > limit {
		trails = trails[:limit]
	}
	out := make([]Summary, len(trails))
	for i, t := range trails {
		out[i] = t.Summary()
	}
	return out
}

// Len returns the number of retained trails.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
