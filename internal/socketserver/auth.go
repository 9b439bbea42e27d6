package socketserver

import (
	"errors"
	"fmt"

	"github.com/codefionn/chatty/internal/arena"
	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/registry"
)

// dispatch routes a message by the role of the slot it arrived on.
func (s *Server) dispatch(h registry.Handle, m protocol.Message) error {
	sl := s.conns.get(h)
	if sl == nil {
		return nil
	}
	logger.Debug("%s (%s) sent %s", h, sl.role, m.Header)

	switch sl.role {
	case registry.RoleUnauthenticated:
		return s.authenticate(h, sl, m)
	case registry.RoleRequest:
		return s.serve(h, sl, m)
	default:
		// push channels only receive
		return s.drop(h, fmt.Errorf("%w: %s on push channel", protocol.ErrProtocolViolation, m.Header.Type))
	}
}

// authenticate handles the first message of a connection. It must be an
// Introduction, which creates a client and attaches the request channel, or
// an Identity claim, which attaches the request channel or, if that is taken,
// the push channel.
func (s *Server) authenticate(h registry.Handle, sl *slot, m protocol.Message) error {
	switch body := m.Body.(type) {
	case protocol.Introduction:
		c, err := s.reg.Introduce(body.Author)
		if err != nil {
			return s.drop(h, err)
		}
		s.metrics.IdentityIssued()
		if err := s.reg.AttachRole(c, registry.RoleRequest, h); err != nil {
			return s.drop(h, err)
		}
		sl.role, sl.owner = registry.RoleRequest, c.ID
		logger.Info("Introduced %s on %s", c, h)
		return s.hub.Reply(h, protocol.NewMessage(c.ID, protocol.Identity{ID: c.ID}))

	case protocol.Identity:
		c, role, err := s.reg.Attach(body.ID, h)
		if err != nil {
			kind := protocol.ErrorBadMessage
			switch {
			case errors.Is(err, registry.ErrNotFound):
				kind = protocol.ErrorNotFound
			case errors.Is(err, registry.ErrAlreadyConnected):
				kind = protocol.ErrorAlreadyConnected
			}
			logger.Warn("Refusing claim from %s: %v", sl.remote, err)
			if err := s.hub.Reply(h, protocol.NewMessage(0, protocol.Error{Kind: kind})); err != nil {
				return err
			}
			return s.drop(h, nil)
		}

		sl.role, sl.owner = role, c.ID
		logger.Info("Attached %s %s channel on %s", c, role, h)
		if err := s.hub.Reply(h, protocol.NewMessage(c.ID, protocol.Error{Kind: protocol.ErrorSuccess})); err != nil {
			return err
		}
		if c.Attached() == 2 && c.SetOnline(true) {
			return s.announce(c, protocol.PresenceConnected)
		}
		return nil

	default:
		return s.drop(h, fmt.Errorf("%w: unauthenticated connection sent %s", protocol.ErrProtocolViolation, m.Header.Type))
	}
}

// serve handles a message on an attached request channel: Text is logged and
// relayed, an Identity claim is a profile lookup.
func (s *Server) serve(h registry.Handle, sl *slot, m protocol.Message) error {
	switch body := m.Body.(type) {
	case protocol.Text:
		if m.Header.ID != sl.owner {
			return s.drop(h, fmt.Errorf("%w: text from %d claims sender %d", protocol.ErrProtocolViolation, sl.owner, m.Header.ID))
		}
		if err := s.messages.Append(m); err != nil {
			if errors.Is(err, arena.ErrExhausted) {
				return err
			}
			return s.drop(h, err)
		}
		s.metrics.SetLogBytes(s.messages.Used())
		_, err := s.hub.SendToOthers(sl.owner, m)
		return err

	case protocol.Identity:
		c := s.reg.ByIdentity(body.ID)
		if c == nil {
			return s.hub.Reply(h, protocol.NewMessage(0, protocol.Error{Kind: protocol.ErrorNotFound}))
		}
		return s.hub.Reply(h, protocol.NewMessage(c.ID, protocol.Introduction{Author: c.Author}))

	default:
		return s.drop(h, fmt.Errorf("%w: unexpected %s from %d", protocol.ErrProtocolViolation, m.Header.Type, sl.owner))
	}
}
