// Package replay keeps the recent raw output of a live session in memory so
// new and reconnecting clients can be brought up to date without disk I/O.
package replay

import (
	"sync"
	"unicode/utf8"
)

// DefaultMax is the default replay buffer cap (5 MiB).
const DefaultMax = 5 * 1024 * 1024

// Buffer is a thread-safe byte buffer that holds the most recent output.
// When it grows past max, older data is trimmed from the front.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

// NewBuffer creates a buffer capped at max bytes and seeded with seed.
// If max <= 0, DefaultMax is used.
func NewBuffer(max int, seed []byte) *Buffer {
	if max <= 0 {
		max = DefaultMax
	}
	b := &Buffer{max: max}
	if len(seed) > 0 {
		b.Append(seed)
	}
	return b
}

// Append adds p to the end of the buffer, discarding the oldest bytes if the
// cap is exceeded.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		cut := trimStart(b.data, len(b.data)-b.max)
		// Copy so the discarded prefix can be collected.
		kept := make([]byte, len(b.data)-cut, b.max)
		copy(kept, b.data[cut:])
		b.data = kept
	}
}

// Snapshot returns a copy of the current contents.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

// Len returns the current length in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Max returns the configured cap.
func (b *Buffer) Max() int {
	return b.max
}

// trimStart returns the index to cut data at so that at least n bytes are
// dropped and the kept suffix does not begin inside a UTF-8 sequence.
func trimStart(data []byte, n int) int {
	for i := 0; n < len(data) && i < utf8.UTFMax-1 && !utf8.RuneStart(data[n]); i++ {
		n++
	}
	return n
}
