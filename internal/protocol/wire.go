package protocol

import (
	"errors"
	"fmt"
	"io"
)

// ReadHeader reads one header from r. A clean close before the first byte
// returns ErrPeerClosed; any other short read is a protocol violation.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	n, err := io.ReadFull(r, b[:])
	if err != nil {
		return Header{}, classifyReadErr("header", n, HeaderSize, err, true)
	}
	return DecodeHeader(b[:])
}

// ReadBody reads the body announced by h from r.
func ReadBody(r io.Reader, h Header) (Body, error) {
	fixed, err := FixedBodySize(h.Type)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, fixed)
	if n, err := io.ReadFull(r, buf); err != nil {
		return nil, classifyReadErr(h.Type.String(), n, fixed, err, false)
	}

	size, err := BodySize(h.Type, buf)
	if err != nil {
		return nil, err
	}
	if size > fixed {
		buf = append(buf, make([]byte, size-fixed)...)
		if n, err := io.ReadFull(r, buf[fixed:]); err != nil {
			return nil, classifyReadErr(h.Type.String()+" text", n, size-fixed, err, false)
		}
	}
	return DecodeBody(h.Type, buf)
}

// Read reads one complete message from r.
func Read(r io.Reader) (Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Message{Header: h}, err
	}
	body, err := ReadBody(r, h)
	if err != nil {
		return Message{Header: h}, err
	}
	return Message{Header: h, Body: body}, nil
}

// ReadExpect reads one message and checks that it has type t.
func ReadExpect(r io.Reader, t Type) (Message, error) {
	m, err := Read(r)
	if err != nil {
		return m, err
	}
	if m.Header.Type != t {
		return m, fmt.Errorf("%w: expected %s, got %s", ErrProtocolViolation, t, m.Header.Type)
	}
	return m, nil
}

// Send encodes m and writes it to w in a single write.
func Send(w io.Writer, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	frame, err := Append(make([]byte, 0, m.Size()), m)
	if err != nil {
		return err
	}
	return WriteFrame(w, frame)
}

// WriteFrame writes an already encoded message. A write that transfers fewer
// bytes than the frame holds is an error; it is not retried.
func WriteFrame(w io.Writer, frame []byte) error {
	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("write %d bytes: %w", len(frame), err)
	}
	if n != len(frame) {
		return fmt.Errorf("wrote %d/%d bytes: %w", n, len(frame), io.ErrShortWrite)
	}
	return nil
}

func classifyReadErr(what string, n, want int, err error, header bool) error {
	switch {
	case header && n == 0 && errors.Is(err, io.EOF):
		return ErrPeerClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: read %d/%d bytes of %s", ErrProtocolViolation, n, want, what)
	default:
		return fmt.Errorf("read %s: %w", what, err)
	}
}
