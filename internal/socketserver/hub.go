package socketserver

import (
	"fmt"

	"github.com/codefionn/chatty/internal/arena"
	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/metrics"
	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/registry"
)

// Hub writes messages to client connections. Writes are synchronous and
// happen on the event loop, so one stalled peer delays everyone behind it.
// Connections whose write failed are collected for the loop to drop.
type Hub struct {
	reg     *registry.Registry
	conns   *connTable
	scratch *arena.Arena
	metrics *metrics.Metrics

	failed []registry.Handle
}

// NewHub creates a hub that encodes outgoing frames into scratch.
func NewHub(reg *registry.Registry, conns *connTable, scratch *arena.Arena, m *metrics.Metrics) *Hub {
	return &Hub{
		reg:     reg,
		conns:   conns,
		scratch: scratch,
		metrics: m,
	}
}

// SendToOthers delivers m to the push channel of every client except the one
// with identity exclude. It returns the number of deliveries.
func (h *Hub) SendToOthers(exclude protocol.ID, m protocol.Message) (int, error) {
	return h.broadcast(exclude, m)
}

// SendToAll delivers m to the push channel of every client.
func (h *Hub) SendToAll(m protocol.Message) (int, error) {
	return h.broadcast(0, m)
}

func (h *Hub) broadcast(exclude protocol.ID, m protocol.Message) (int, error) {
	frame, err := h.encode(m)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range h.reg.Clients() {
		if c.ID == exclude || !c.Push.Valid() {
			continue
		}
		if h.write(c.Push, frame) {
			delivered++
		}
	}

	kind := "text"
	if m.Header.Type == protocol.TypePresence {
		kind = "presence"
	}
	h.metrics.Relayed(kind, delivered)
	logger.Debug("Relayed %s from %d to %d clients", m.Header.Type, m.Header.ID, delivered)
	return delivered, nil
}

// Reply writes m to a single connection.
func (h *Hub) Reply(to registry.Handle, m protocol.Message) error {
	frame, err := h.encode(m)
	if err != nil {
		return err
	}
	h.write(to, frame)
	return nil
}

// TakeFailed returns and clears the connections whose writes failed.
func (h *Hub) TakeFailed() []registry.Handle {
	failed := h.failed
	h.failed = nil
	return failed
}

func (h *Hub) write(to registry.Handle, frame []byte) bool {
	s := h.conns.get(to)
	if s == nil {
		return false
	}
	if err := protocol.WriteFrame(s.conn, frame); err != nil {
		logger.Warn("Failed to write to %s (%s): %v", to, s.remote, err)
		h.failed = append(h.failed, to)
		return false
	}
	return true
}

// encode places m in the scratch arena. The arena is reset once per event,
// so running out of it is fatal.
func (h *Hub) encode(m protocol.Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	frame, err := h.scratch.Push(m.Size())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Header.Type, err)
	}
	if _, err := protocol.Encode(frame, m); err != nil {
		return nil, err
	}
	return frame, nil
}
