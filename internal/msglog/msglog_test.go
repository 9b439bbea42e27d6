package msglog

import (
	"errors"
	"testing"

	"github.com/codefionn/chatty/internal/arena"
	"github.com/codefionn/chatty/internal/protocol"
)

func TestAppendAndWalk(t *testing.T) {
	log := New(1024)

	entries := []protocol.Message{
		protocol.NewMessage(1, protocol.NewText(100, "hi")),
		protocol.NewMessage(2, protocol.Presence{Kind: protocol.PresenceConnected}),
		protocol.NewMessage(2, protocol.NewText(101, "")),
		protocol.NewMessage(1, protocol.NewText(102, "how are you?")),
	}
	for _, m := range entries {
		if err := log.Append(m); err != nil {
			t.Fatalf("Append(%s) failed: %v", m.Header, err)
		}
	}

	if log.Len() != len(entries) {
		t.Errorf("expected %d entries, got %d", len(entries), log.Len())
	}

	var got []protocol.Message
	if err := log.Walk(func(m protocol.Message) bool {
		got = append(got, m)
		return true
	}); err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("walked %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Header != entries[i].Header {
			t.Errorf("entry %d: header %s, want %s", i, got[i].Header, entries[i].Header)
		}
	}
	if text := got[3].Body.(protocol.Text).String(); text != "how are you?" {
		t.Errorf("entry 3: text %q", text)
	}
}

func TestWalkStopsEarly(t *testing.T) {
	log := New(1024)
	for i := 0; i < 5; i++ {
		_ = log.Append(protocol.NewMessage(1, protocol.NewText(uint64(i), "x")))
	}

	seen := 0
	_ = log.Walk(func(protocol.Message) bool {
		seen++
		return seen < 2
	})
	if seen != 2 {
		t.Errorf("expected walk to stop after 2 entries, saw %d", seen)
	}
}

func TestAppendRejectsControlMessages(t *testing.T) {
	log := New(1024)
	if err := log.Append(protocol.NewMessage(0, protocol.Identity{ID: 1})); err == nil {
		t.Fatal("expected identity messages to be rejected")
	}
	if log.Len() != 0 || log.Used() != 0 {
		t.Errorf("rejected append changed the log: len=%d used=%d", log.Len(), log.Used())
	}
}

func TestAppendExhausted(t *testing.T) {
	m := protocol.NewMessage(1, protocol.NewText(1, "hello"))
	log := New(m.Size() + 1)

	if err := log.Append(m); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	err := log.Append(m)
	if !errors.Is(err, arena.ErrExhausted) {
		t.Fatalf("expected arena.ErrExhausted, got %v", err)
	}
	if log.Len() != 1 {
		t.Errorf("expected 1 entry after failed append, got %d", log.Len())
	}
}
