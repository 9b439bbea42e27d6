package protocol

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// FixedBodySize returns the size of the fixed part of a body of type t. For
// every type but Text this is the whole body.
func FixedBodySize(t Type) (int, error) {
	switch t {
	case TypeText:
		return TextFixedSize, nil
	case TypeHistory:
		return HistorySize, nil
	case TypePresence:
		return PresenceSize, nil
	case TypeIdentity:
		return IdentitySize, nil
	case TypeIntroduction:
		return IntroductionSize, nil
	case TypeError:
		return ErrorSize, nil
	default:
		return 0, fmt.Errorf("%w: unknown message type %d", ErrProtocolViolation, uint8(t))
	}
}

// BodySize returns the full body size of a message of type t. partial must
// hold at least the fixed part of the body; for Text the size depends on the
// length field it contains.
func BodySize(t Type, partial []byte) (int, error) {
	fixed, err := FixedBodySize(t)
	if err != nil {
		return 0, err
	}
	if t != TypeText {
		return fixed, nil
	}
	if len(partial) < TextFixedSize {
		return 0, fmt.Errorf("%w: text body needs %d bytes to size, have %d", ErrProtocolViolation, TextFixedSize, len(partial))
	}
	n := int(le.Uint16(partial[8:10]))
	return TextFixedSize + 4*n, nil
}

// PutHeader encodes h into the first HeaderSize bytes of dst.
func PutHeader(dst []byte, h Header) {
	le.PutUint16(dst[0:2], h.Version)
	dst[2] = byte(h.Type)
	le.PutUint64(dst[3:11], uint64(h.ID))
}

// DecodeHeader decodes and validates a header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrProtocolViolation, HeaderSize, len(b))
	}
	h := Header{
		Version: le.Uint16(b[0:2]),
		Type:    Type(b[2]),
		ID:      ID(le.Uint64(b[3:11])),
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: version %d, want %d", ErrProtocolViolation, h.Version, Version)
	}
	if !h.Type.Valid() {
		return h, fmt.Errorf("%w: unknown message type %d", ErrProtocolViolation, uint8(h.Type))
	}
	return h, nil
}

func (t Text) put(dst []byte) {
	le.PutUint64(dst[0:8], t.Timestamp)
	le.PutUint16(dst[8:10], uint16(len(t.Runes)))
	for i, r := range t.Runes {
		le.PutUint32(dst[TextFixedSize+4*i:], uint32(r))
	}
}

func (h History) put(dst []byte)      { le.PutUint64(dst, h.Timestamp) }
func (p Presence) put(dst []byte)     { dst[0] = byte(p.Kind) }
func (i Identity) put(dst []byte)     { le.PutUint64(dst, uint64(i.ID)) }
func (i Introduction) put(dst []byte) { copy(dst, i.Author[:]) }
func (e Error) put(dst []byte)        { dst[0] = byte(e.Kind) }

// Encode writes m into dst, which must be at least m.Size() bytes, and
// returns the number of bytes written.
func Encode(dst []byte, m Message) (int, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	size := m.Size()
	if len(dst) < size {
		return 0, fmt.Errorf("encode %s: buffer of %d bytes, need %d", m.Header.Type, len(dst), size)
	}
	PutHeader(dst, m.Header)
	m.Body.put(dst[HeaderSize:size])
	return size, nil
}

// Append appends the encoding of m to dst.
func Append(dst []byte, m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return dst, err
	}
	start := len(dst)
	dst = append(dst, make([]byte, m.Size())...)
	if _, err := Encode(dst[start:], m); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// DecodeBody decodes a body of type t. b must be exactly the body.
func DecodeBody(t Type, b []byte) (Body, error) {
	size, err := BodySize(t, b)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s body of %d bytes, want %d", ErrProtocolViolation, t, len(b), size)
	}

	switch t {
	case TypeText:
		n := int(le.Uint16(b[8:10]))
		runes := make([]rune, n)
		for i := range runes {
			runes[i] = rune(le.Uint32(b[TextFixedSize+4*i:]))
		}
		return Text{Timestamp: le.Uint64(b[0:8]), Runes: runes}, nil
	case TypeHistory:
		return History{Timestamp: le.Uint64(b)}, nil
	case TypePresence:
		return Presence{Kind: PresenceKind(b[0])}, nil
	case TypeIdentity:
		return Identity{ID: ID(le.Uint64(b))}, nil
	case TypeIntroduction:
		var intro Introduction
		copy(intro.Author[:], b)
		intro.Author[AuthorLen-1] = 0
		return intro, nil
	default:
		return Error{Kind: ErrorKind(b[0])}, nil
	}
}

// Decode decodes the message at the front of b and returns it with the
// number of bytes consumed.
func Decode(b []byte) (Message, int, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Message{}, 0, err
	}
	rest := b[HeaderSize:]
	fixed, _ := FixedBodySize(h.Type)
	if len(rest) < fixed {
		return Message{}, 0, fmt.Errorf("%w: truncated %s body", ErrProtocolViolation, h.Type)
	}
	size, err := BodySize(h.Type, rest)
	if err != nil {
		return Message{}, 0, err
	}
	if len(rest) < size {
		return Message{}, 0, fmt.Errorf("%w: truncated %s body, %d of %d bytes", ErrProtocolViolation, h.Type, len(rest), size)
	}
	body, err := DecodeBody(h.Type, rest[:size])
	if err != nil {
		return Message{}, 0, err
	}
	return Message{Header: h, Body: body}, HeaderSize + size, nil
}
