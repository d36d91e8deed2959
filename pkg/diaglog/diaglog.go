// Package diaglog keeps a bounded in-memory event log for external
// monitoring. It is purely observational and never affects control flow.
package diaglog

import (
	"fmt"
	"sync"
	"time"
)

// Capacity is the fixed number of entries the buffer retains; once full, the
// oldest entry is overwritten.
const Capacity = 100

// Entry is one timestamped diagnostic message.
type Entry struct {
	Timestamp time.Time
	Message   string
}

// Buffer is a fixed-capacity ring of diagnostic entries.
type Buffer struct {
	mu      sync.RWMutex
	entries [Capacity]Entry
	next    int
	count   int
	now     func() time.Time
}

// New creates an empty diagnostics buffer.
func New() *Buffer {
	return &Buffer{now: time.Now}
}

// Append records a message, overwriting the oldest entry once full.
func (b *Buffer) Append(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = Entry{Timestamp: b.now(), Message: msg}
	b.next = (b.next + 1) % Capacity
	if b.count < Capacity {
		b.count++
	}
}

// Appendf records a formatted message.
func (b *Buffer) Appendf(format string, args ...any) {
	b.Append(fmt.Sprintf(format, args...))
}

// Len returns how many entries are currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Export returns the retained entries oldest to newest, regardless of
// internal wraparound.
func (b *Buffer) Export() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, b.count)
	start := (b.next - b.count + Capacity) % Capacity
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(start+i)%Capacity]
	}
	return out
}
