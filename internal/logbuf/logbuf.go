// Package logbuf keeps the most recent log lines in memory so the HTTP API
// can serve them without a log shipper.
package logbuf

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSize is used when a non-positive size is requested.
const DefaultSize = 1000

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer is a ring of log entries. It implements io.Writer so it can sit
// behind a zerolog.MultiLevelWriter next to the console output.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	now     func() time.Time
}

// New creates a buffer holding at most size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		entries: make([]Entry, size),
		now:     time.Now,
	}
}

// Write records one zerolog line. Lines that are not JSON are kept raw at
// info level.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := parse(strings.TrimRight(string(p), "\n"))
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}

	b.mu.Lock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	b.mu.Unlock()

	return len(p), nil
}

// Entries returns every buffered entry, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, b.count)
	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(start+i)%len(b.entries)]
	}
	return out
}

// Recent returns the newest n entries at or above minLevel, oldest first.
// A non-positive n returns all matching entries.
func (b *Buffer) Recent(n int, minLevel zerolog.Level) []Entry {
	all := b.Entries()
	out := all[:0]
	for _, e := range all {
		lvl, err := zerolog.ParseLevel(e.Level)
		if err != nil || lvl >= minLevel {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Clear drops all entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

func parse(raw string) Entry {
	entry := Entry{Raw: raw, Level: zerolog.InfoLevel.String(), Message: raw}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return entry
	}
	if lvl, ok := fields[zerolog.LevelFieldName].(string); ok && lvl != "" {
		entry.Level = lvl
	}
	if msg, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = msg
	}
	if ts, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(zerolog.TimeFieldFormat, ts); err == nil {
			entry.Timestamp = t
		}
	}
	return entry
}
