// Package audit provides the append-only trail handed to every engine
// operation. A trail belongs to one operation; the journal keeps the most
// recent finished trails for inspection.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level grades trail entries.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one line of a trail.
type Entry struct {
	Seq     int            `json:"seq"`
	At      time.Time      `json:"at"`
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Err     string         `json:"error,omitempty"`
}

// Trail is safe for concurrent use by the goroutines of one operation.
type Trail struct {
	id        string
	operation string
	started   time.Time

	mu       sync.Mutex
	entries  []Entry
	finished time.Time
	failed   bool
}

// New starts a trail for operation.
func New(operation string) *Trail {
	return &Trail{
		id:        uuid.NewString(),
		operation: operation,
		started:   time.Now().UTC(),
	}
}

func (t *Trail) ID() string        { return t.id }
func (t *Trail) Operation() string { return t.operation }

// Info appends an informational entry. kv is alternating key/value pairs.
func (t *Trail) Info(msg string, kv ...any) { t.add(LevelInfo, msg, nil, kv) }

// Warn appends an entry for an absorbed error.
func (t *Trail) Warn(msg string, err error, kv ...any) { t.add(LevelWarn, msg, err, kv) }

// Fail appends an entry for an error that propagates.
func (t *Trail) Fail(msg string, err error, kv ...any) { t.add(LevelError, msg, err, kv) }

func (t *Trail) add(level Level, msg string, err error, kv []any) {
	if t == nil {
		return
	}
	e := Entry{At: time.Now().UTC(), Level: level, Message: msg, Fields: pairs(kv)}
	if err != nil {
		e.Err = err.Error()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Seq = len(t.entries)
	t.entries = append(t.entries, e)
	if level == LevelError {
		t.failed = true
	}
}

func pairs(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[k] = kv[i+1]
	}
	return out
}

// Entries returns a copy of the entries in append order.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Count returns how many entries have the given level.
func (t *Trail) Count(level Level) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Finish marks the trail done. Later entries are still accepted.
func (t *Trail) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished.IsZero() {
		t.finished = time.Now().UTC()
	}
}

// Summary is the JSON view of a trail.
type Summary struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
	Failed    bool      `json:"failed"`
	Entries   []Entry   `json:"entries"`
}

// Summary snapshots the trail.
func (t *Trail) Summary() Summary {
	entries := t.Entries()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Summary{
		ID:        t.id,
		Operation: t.operation,
		Started:   t.started,
		Finished:  t.finished,
		Failed:    t.failed,
		Entries:   entries,
	}
}
