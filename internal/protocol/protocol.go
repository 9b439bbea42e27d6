// Package protocol implements the chatty wire format.
//
// Every message is a fixed 11-byte Header followed by a typed body:
//
//	header:       version(2) type(1) sender(8)
//	text:         timestamp(8) length(2) length*4 bytes of code points
//	history:      timestamp(8)
//	presence:     kind(1)
//	identity:     id(8)
//	introduction: author(13)
//	error:        kind(1)
//
// All integers are little-endian. Text carries wide (4-byte) code points and
// its length field is authoritative; no terminator is relied upon.
//
// # Authentication
//
// A sender identity of 0 means unauthenticated. A fresh connection must
// open with either an Introduction (request a new identity, answered with an
// Identity message) or an Identity claim (answered with an Error message whose
// kind is Success, NotFound or AlreadyConnected). Every client owns two
// connections: the request channel is attached first and carries
// request/response traffic, the push channel is attached second and only
// receives Text and Presence broadcasts.
package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Version is the protocol version carried in every header.
const Version uint16 = 0

// Sizes of the fixed parts of the format.
const (
	HeaderSize       = 11
	AuthorLen        = 13
	TextFixedSize    = 10
	HistorySize      = 8
	PresenceSize     = 1
	IdentitySize     = 8
	IntroductionSize = AuthorLen
	ErrorSize        = 1

	// MaxTextLen is the largest number of code points a Text can carry.
	MaxTextLen = 1<<16 - 1
	// MaxAuthorBytes is the number of visible author bytes; the last byte of
	// an Author is always NUL.
	MaxAuthorBytes = AuthorLen - 1
)

var (
	// ErrPeerClosed is returned when the peer closed the connection cleanly
	// before sending any byte of a header.
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrProtocolViolation covers short reads, unknown types, wrong versions
	// and oversized texts.
	ErrProtocolViolation = errors.New("protocol violation")
)

// ID identifies a client. 0 means unauthenticated.
type ID uint64

// Type is the message type carried in a Header.
type Type uint8

const (
	TypeText Type = iota
	TypeHistory
	TypePresence
	TypeIdentity
	TypeIntroduction
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "TextMessage"
	case TypeHistory:
		return "HistoryMessage"
	case TypePresence:
		return "PresenceMessage"
	case TypeIdentity:
		return "IDMessage"
	case TypeIntroduction:
		return "IntroductionMessage"
	case TypeError:
		return "ErrorMessage"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return t <= TypeError
}

// PresenceKind is the payload of a Presence message.
type PresenceKind uint8

const (
	PresenceConnected PresenceKind = iota
	PresenceDisconnected
	PresenceAFK
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceConnected:
		return "connected"
	case PresenceDisconnected:
		return "disconnected"
	case PresenceAFK:
		return "afk"
	default:
		return "unknown"
	}
}

// ErrorKind is the payload of an Error message. Success is an error kind
// too: it is how identity claims are acknowledged.
type ErrorKind uint8

const (
	ErrorBadMessage ErrorKind = iota
	ErrorNotFound
	ErrorSuccess
	ErrorAlreadyConnected
	ErrorTooManyConnections
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorBadMessage:
		return "bad message"
	case ErrorNotFound:
		return "not found"
	case ErrorSuccess:
		return "success"
	case ErrorAlreadyConnected:
		return "already connected"
	case ErrorTooManyConnections:
		return "too many connections"
	default:
		return "unknown"
	}
}

// Header prefixes every message.
type Header struct {
	Version uint16
	Type    Type
	ID      ID
}

func (h Header) String() string {
	return fmt.Sprintf("header: v%d %s(%d) [%d]", h.Version, h.Type, uint8(h.Type), h.ID)
}

// Author is a fixed-capacity, NUL-terminated author name.
type Author [AuthorLen]byte

// NewAuthor truncates name to MaxAuthorBytes without splitting a UTF-8
// sequence.
func NewAuthor(name string) Author {
	var a Author
	if len(name) > MaxAuthorBytes {
		cut := MaxAuthorBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	copy(a[:MaxAuthorBytes], name)
	return a
}

func (a Author) String() string {
	for i, b := range a {
		if b == 0 {
			return string(a[:i])
		}
	}
	return string(a[:])
}

// Body is one of the typed message bodies.
type Body interface {
	Type() Type
	// Size is the encoded size of the body in bytes.
	Size() int
	put(dst []byte)
}

// Text is a chat line.
type Text struct {
	// Timestamp is the send time in Unix seconds.
	Timestamp uint64
	Runes     []rune
}

// NewText builds a Text from a Go string.
func NewText(timestamp uint64, s string) Text {
	return Text{Timestamp: timestamp, Runes: []rune(s)}
}

func (Text) Type() Type       { return TypeText }
func (t Text) Size() int      { return TextFixedSize + 4*len(t.Runes) }
func (t Text) String() string { return string(t.Runes) }

// History requests messages sent after a timestamp. The server does not
// serve it.
type History struct {
	Timestamp uint64
}

func (History) Type() Type { return TypeHistory }
func (History) Size() int  { return HistorySize }

// Presence announces a state change of the header's sender.
type Presence struct {
	Kind PresenceKind
}

func (Presence) Type() Type { return TypePresence }
func (Presence) Size() int  { return PresenceSize }

// Identity carries an identity: a claim from a client, or the identity the
// server assigned in reply to an Introduction.
type Identity struct {
	ID ID
}

func (Identity) Type() Type { return TypeIdentity }
func (Identity) Size() int  { return IdentitySize }

// Introduction requests a new identity for Author, or, sent by the server,
// describes the client named in the header.
type Introduction struct {
	Author Author
}

func (Introduction) Type() Type { return TypeIntroduction }
func (Introduction) Size() int  { return IntroductionSize }

// Error reports the outcome of a request.
type Error struct {
	Kind ErrorKind
}

func (Error) Type() Type { return TypeError }
func (Error) Size() int  { return ErrorSize }

// Message is a header and its body.
type Message struct {
	Header Header
	Body   Body
}

// NewMessage builds a message from sender with the header type taken from
// body.
func NewMessage(sender ID, body Body) Message {
	return Message{
		Header: Header{Version: Version, Type: body.Type(), ID: sender},
		Body:   body,
	}
}

// Size is the encoded size of the whole message.
func (m Message) Size() int {
	return HeaderSize + m.Body.Size()
}

// Validate checks that the message can be encoded.
func (m Message) Validate() error {
	if m.Body == nil {
		return fmt.Errorf("%w: %s without body", ErrProtocolViolation, m.Header.Type)
	}
	if m.Header.Type != m.Body.Type() {
		return fmt.Errorf("%w: header type %s does not match body %s", ErrProtocolViolation, m.Header.Type, m.Body.Type())
	}
	if t, ok := m.Body.(Text); ok && len(t.Runes) > MaxTextLen {
		return fmt.Errorf("%w: text of %d code points exceeds %d", ErrProtocolViolation, len(t.Runes), MaxTextLen)
	}
	return nil
}
