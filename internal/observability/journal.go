package observability

import (
	"sync"
	"time"
)

// JournalEntry is one diagnostic line.
type JournalEntry struct {
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// Journal is a bounded, newest-first record of bridge traffic kept for
// diagnosis. It mirrors what the session logger emits at debug level so the
// last few hundred exchanges can be inspected without raising the log level.
type Journal struct {
	mu      sync.Mutex
	entries []JournalEntry
	limit   int
	now     func() time.Time
}

// NewJournal creates a journal keeping at most limit entries.
func NewJournal(limit int) *Journal {
	if limit <= 0 {
		limit = 200
	}
	return &Journal{limit: limit, now: time.Now}
}

// Record prepends a line, dropping the oldest entry once the limit is hit.
func (j *Journal) Record(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := JournalEntry{At: j.now().UTC(), Line: line}
	if len(j.entries) < j.limit {
		j.entries = append(j.entries, JournalEntry{})
	}
	copy(j.entries[1:], j.entries)
	j.entries[0] = entry
}

// Entries returns a copy, newest first.
func (j *Journal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
