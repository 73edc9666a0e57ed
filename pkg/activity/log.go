package activity

import "time"

// Entry is one recorded state transition, kept for audit and UI replay.
type Entry struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Log is a bounded most-recent-first list of entries. It is not safe for
// concurrent use on its own; the owning session's lock guards it, so log
// appends always happen in the same critical section as the state change
// they describe.
type Log struct {
	limit   int
	entries []Entry
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 100
	}
	return &Log{limit: limit}
}

// Append prepends e, evicting the oldest entry once the cap is exceeded.
func (l *Log) Append(e Entry) {
	l.entries = append(l.entries, Entry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = e
	if len(l.entries) > l.limit {
		l.entries = l.entries[:l.limit]
	}
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Snapshot returns a copy of the entries, most recent first.
func (l *Log) Snapshot() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
