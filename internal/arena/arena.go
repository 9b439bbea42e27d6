// Package arena provides a bump allocator over a fixed-capacity buffer.
//
// An Arena only ever moves forward: Push hands out the next n bytes and
// advances the offset, Reset rewinds the offset to zero. There is no
// per-allocation free and no compaction, so the offset never exceeds the
// capacity and only decreases through Reset.
package arena

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned when a Push would exceed the arena's capacity.
var ErrExhausted = errors.New("arena exhausted")

// Arena is an append-only byte region.
type Arena struct {
	buf []byte
	off int
}

// New reserves an arena of the given capacity in bytes.
func New(capacity int) *Arena {
	if capacity < 0 {
		capacity = 0
	}
	return &Arena{buf: make([]byte, capacity)}
}

// Push returns the next size bytes of the arena, zeroed, and advances the
// offset. The returned slice is capped so that appending to it can never
// spill into memory handed out by a later Push.
func (a *Arena) Push(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("arena: negative push size %d", size)
	}
	if size > len(a.buf)-a.off {
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d left", ErrExhausted, size, len(a.buf)-a.off, len(a.buf))
	}
	start := a.off
	a.off += size
	mem := a.buf[start:a.off:a.off]
	clear(mem)
	return mem, nil
}

// Reset rewinds the arena to empty. Slices returned by earlier pushes must
// not be used afterwards.
func (a *Arena) Reset() {
	a.off = 0
}

// Offset returns the number of bytes handed out since the last Reset.
func (a *Arena) Offset() int {
	return a.off
}

// Cap returns the arena's capacity.
func (a *Arena) Cap() int {
	return len(a.buf)
}

// Remaining returns how many bytes can still be pushed.
func (a *Arena) Remaining() int {
	return len(a.buf) - a.off
}

// Bytes returns the allocated prefix of the arena.
func (a *Arena) Bytes() []byte {
	return a.buf[:a.off:a.off]
}
