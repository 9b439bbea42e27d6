package socketserver

import (
	"bufio"
	"errors"
	"net"

	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/registry"
)

// readPump decodes whole messages from conn and hands them to the loop. It
// exits on the first read error, which the loop turns into a disconnect.
func (s *Server) readPump(h registry.Handle, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		m, err := protocol.Read(reader)
		if err != nil {
			s.post(event{kind: evClosed, handle: h, err: err})
			return
		}
		if !s.post(event{kind: evMessage, handle: h, msg: m}) {
			return
		}
	}
}

// drop closes the connection behind h and detaches it from its client. A
// client that loses its push channel, or its last channel, is announced as
// disconnected to everyone else.
func (s *Server) drop(h registry.Handle, reason error) error {
	sl := s.conns.get(h)
	if sl == nil {
		return nil
	}
	remote := sl.remote

	c, role := s.reg.Detach(h)
	if conn := s.conns.remove(h); conn != nil {
		conn.Close()
		s.metrics.ConnClosed()
	}

	who := remote
	if c != nil {
		who = c.String() + " " + role.String() + " channel"
	}
	switch {
	case reason == nil, errors.Is(reason, protocol.ErrPeerClosed):
		logger.Info("Disconnected: %s (%s)", who, h)
	case errors.Is(reason, protocol.ErrProtocolViolation):
		s.metrics.Violation()
		logger.Warn("Dropping %s (%s): %v", who, h, reason)
	case errors.Is(reason, net.ErrClosed):
		logger.Debug("Connection %s already closed", h)
	default:
		logger.Error("Dropping %s (%s): %v", who, h, reason)
	}

	if c == nil {
		return nil
	}
	if role != registry.RolePush && c.Attached() > 0 {
		return nil
	}
	if !c.SetOnline(false) {
		return nil
	}
	return s.announce(c, protocol.PresenceDisconnected)
}

// announce records a presence change in the log and sends it to every other
// client.
func (s *Server) announce(c *registry.Client, kind protocol.PresenceKind) error {
	m := protocol.NewMessage(c.ID, protocol.Presence{Kind: kind})
	if err := s.messages.Append(m); err != nil {
		return err
	}
	s.metrics.SetLogBytes(s.messages.Used())
	logger.Info("%s is %s", c, kind)
	_, err := s.hub.SendToOthers(c.ID, m)
	return err
}
