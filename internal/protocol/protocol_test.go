package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripEveryType(t *testing.T) {
	messages := []Message{
		NewMessage(1, NewText(1700000000, "hi")),
		NewMessage(2, History{Timestamp: 42}),
		NewMessage(3, Presence{Kind: PresenceDisconnected}),
		NewMessage(0, Identity{ID: 77}),
		NewMessage(0, Introduction{Author: NewAuthor("alice")}),
		NewMessage(9, Error{Kind: ErrorAlreadyConnected}),
	}

	for _, m := range messages {
		t.Run(m.Header.Type.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Send(&buf, m))
			assert.Equal(t, m.Size(), buf.Len())

			got, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, m, got)
			assert.Zero(t, buf.Len(), "reader must consume the whole frame")
		})
	}
}

func TestTextRoundTripLengths(t *testing.T) {
	for _, n := range []int{0, 1, 2, 13, 255, 256, 4096, MaxTextLen} {
		runes := make([]rune, n)
		for i := range runes {
			runes[i] = rune('a' + i%26)
		}
		if n > 3 {
			runes[1] = 'ß'
			runes[2] = '😀'
		}
		m := NewMessage(5, Text{Timestamp: uint64(n), Runes: runes})

		frame, err := Append(nil, m)
		require.NoError(t, err)
		require.Len(t, frame, HeaderSize+TextFixedSize+4*n)

		got, consumed, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, len(frame), consumed)
		assert.Equal(t, m, got, "length %d", n)
	}
}

func TestHeaderLayout(t *testing.T) {
	frame, err := Append(nil, NewMessage(0x0102030405060708, Presence{Kind: PresenceAFK}))
	require.NoError(t, err)

	want := []byte{
		0x00, 0x00, // version
		byte(TypePresence),
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // sender
		byte(PresenceAFK),
	}
	assert.Equal(t, want, frame)
}

func TestBodySize(t *testing.T) {
	size, err := BodySize(TypeIntroduction, nil)
	require.NoError(t, err)
	assert.Equal(t, AuthorLen, size)

	partial := make([]byte, TextFixedSize)
	partial[8] = 3
	size, err = BodySize(TypeText, partial)
	require.NoError(t, err)
	assert.Equal(t, TextFixedSize+12, size)

	_, err = BodySize(TypeText, partial[:4])
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = BodySize(Type(99), nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadPeerClosed(t *testing.T) {
	_, err := Read(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestReadShortHeader(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0, 0, byte(TypeText)}))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, errors.Is(err, ErrPeerClosed))
}

func TestReadShortBody(t *testing.T) {
	frame, err := Append(nil, NewMessage(1, NewText(1, "hello")))
	require.NoError(t, err)

	_, err = Read(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = Read(bytes.NewReader(frame[:HeaderSize]))
	assert.ErrorIs(t, err, ErrProtocolViolation, "EOF right after a header is not a clean close")
}

func TestReadRejectsVersionAndType(t *testing.T) {
	frame, err := Append(nil, NewMessage(1, Presence{}))
	require.NoError(t, err)

	badVersion := append([]byte(nil), frame...)
	badVersion[0] = 7
	_, err = Read(bytes.NewReader(badVersion))
	assert.ErrorIs(t, err, ErrProtocolViolation)

	badType := append([]byte(nil), frame...)
	badType[2] = 200
	_, err = Read(bytes.NewReader(badType))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadExpect(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, NewMessage(0, Error{Kind: ErrorSuccess})))

	_, err := ReadExpect(&buf, TypeIdentity)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestTextTooLong(t *testing.T) {
	m := NewMessage(1, Text{Runes: make([]rune, MaxTextLen+1)})
	assert.ErrorIs(t, Send(io.Discard, m), ErrProtocolViolation)
}

func TestMismatchedHeader(t *testing.T) {
	m := NewMessage(1, Presence{})
	m.Header.Type = TypeError
	_, err := Encode(make([]byte, 64), m)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestWriteFrameShortWrite(t *testing.T) {
	err := Send(shortWriter{}, NewMessage(1, Presence{}))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestNewAuthor(t *testing.T) {
	assert.Equal(t, "alice", NewAuthor("alice").String())

	long := NewAuthor(strings.Repeat("x", 40))
	assert.Equal(t, strings.Repeat("x", MaxAuthorBytes), long.String())
	assert.Zero(t, long[AuthorLen-1])

	// 11 ASCII bytes followed by a two-byte rune must not be split.
	split := NewAuthor("abcdefghijkß")
	assert.Equal(t, "abcdefghijk", split.String())
}
