// Package msglog is the append-only message log.
//
// Entries are stored back to back in an arena using the wire encoding, so
// every entry is self-describing and the log is walked front to back without
// an index. Nothing is ever removed; when the arena is full Append fails with
// arena.ErrExhausted.
package msglog

import (
	"fmt"

	"github.com/codefionn/chatty/internal/arena"
	"github.com/codefionn/chatty/internal/protocol"
)

// Log is a sequence of Text, Presence and History entries.
type Log struct {
	mem   *arena.Arena
	count int
}

// New creates a log backed by an arena of capacity bytes.
func New(capacity int) *Log {
	return &Log{mem: arena.New(capacity)}
}

// Append stores m at the end of the log.
func (l *Log) Append(m protocol.Message) error {
	switch m.Header.Type {
	case protocol.TypeText, protocol.TypePresence, protocol.TypeHistory:
	default:
		return fmt.Errorf("msglog: cannot store %s", m.Header.Type)
	}
	if err := m.Validate(); err != nil {
		return err
	}

	mem, err := l.mem.Push(m.Size())
	if err != nil {
		return fmt.Errorf("msglog: append %s: %w", m.Header.Type, err)
	}
	if _, err := protocol.Encode(mem, m); err != nil {
		return err
	}
	l.count++
	return nil
}

// Walk calls fn for every entry in insertion order until fn returns false.
func (l *Log) Walk(fn func(protocol.Message) bool) error {
	b := l.mem.Bytes()
	for len(b) > 0 {
		m, n, err := protocol.Decode(b)
		if err != nil {
			return fmt.Errorf("msglog: corrupt entry at offset %d: %w", len(l.mem.Bytes())-len(b), err)
		}
		if !fn(m) {
			return nil
		}
		b = b[n:]
	}
	return nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return l.count
}

// Used returns the bytes occupied by entries.
func (l *Log) Used() int {
	return l.mem.Offset()
}

// Cap returns the capacity of the backing arena.
func (l *Log) Cap() int {
	return l.mem.Cap()
}
