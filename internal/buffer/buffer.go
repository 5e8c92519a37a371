// Package buffer implements the output accumulator shared by detached and
// interactive sessions. A Buffer has exactly one writer (the session's drain
// goroutine) and one reader (the poll handler); each TakeDelta call returns
// everything appended since the previous call.
package buffer

import "sync"

// DefaultLimit bounds the unread backlog of a single buffer. Once a poller
// falls this far behind, the oldest unread bytes are dropped and the next
// delta carries a truncation marker.
const DefaultLimit = 4 << 20

// TruncationMarker prefixes the first delta read after an overflow.
const TruncationMarker = "[...output truncated...]\n"

// Buffer is a bounded, order-preserving byte accumulator.
type Buffer struct {
	mu        sync.Mutex
	pending   []byte
	truncated bool
	limit     int
}

// New creates a Buffer that keeps at most limit unread bytes.
// A limit <= 0 means unbounded.
func New(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Append adds p to the unread backlog, evicting the oldest unread bytes if
// the backlog would exceed the limit.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, p...)
	if b.limit > 0 && len(b.pending) > b.limit {
		b.pending = b.pending[len(b.pending)-b.limit:]
		b.truncated = true
	}
}

// Write implements io.Writer by appending p, so a Buffer can serve directly
// as a process's stdout or stderr sink.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// TakeDelta returns all bytes appended since the previous call and advances
// the cursor past them. If the backlog overflowed since the previous call,
// the delta is prefixed with TruncationMarker.
func (b *Buffer) TakeDelta() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 && !b.truncated {
		return ""
	}
	delta := string(b.pending)
	if b.truncated {
		delta = TruncationMarker + delta
	}
	b.pending = b.pending[:0]
	b.truncated = false
	return delta
}

// Len reports the current unread backlog size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
