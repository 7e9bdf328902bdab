// Package activity keeps a bounded, append-only record of recent session
// events for the audit/timeline view. It is a display aid: the risk engine's
// fold is the system of record for scoring, never this buffer.
package activity

import (
	"sync"

	"github.com/proctorhq/vigil/internal/events"
)

// DefaultCapacity matches the monitor view's 50-entry feed.
const DefaultCapacity = 50

// Log is a fixed-capacity ring buffer of events. Oldest entries are silently
// evicted once capacity is exceeded. Reads are non-destructive and safe to
// call concurrently with appends.
type Log struct {
	mu      sync.RWMutex
	entries []*events.Event
	next    int // write cursor
	full    bool
}

// NewLog creates a log with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{entries: make([]*events.Event, capacity)}
}

// Append records an event, evicting the oldest entry when full.
func (l *Log) Append(ev *events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = ev
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to n events, most recent first.
func (l *Log) Recent(n int) []*events.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.sizeLocked()
	if n <= 0 || n > size {
		n = size
	}

	result := make([]*events.Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		result = append(result, l.entries[idx])
	}
	return result
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sizeLocked()
}

// Capacity returns the fixed buffer capacity.
func (l *Log) Capacity() int {
	return len(l.entries)
}

func (l *Log) sizeLocked() int {
	if l.full {
		return len(l.entries)
	}
	return l.next
}
