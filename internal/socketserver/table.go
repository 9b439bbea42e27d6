package socketserver

import (
	"fmt"
	"net"

	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/registry"
)

// slot is one entry of the connection table.
type slot struct {
	gen    uint32
	open   bool
	conn   net.Conn
	remote string
	role   registry.Role
	owner  protocol.ID
}

// connTable owns every open connection. Slots are reused, and each reuse
// bumps the slot generation so a handle to a closed connection never matches
// the connection that replaced it.
type connTable struct {
	slots  []slot
	free   []uint32
	max    int
	active int
}

func newConnTable(max int) *connTable {
	return &connTable{max: max}
}

// insert stores conn in a free slot as unauthenticated.
func (t *connTable) insert(conn net.Conn) (registry.Handle, error) {
	if t.active >= t.max {
		return registry.Handle{}, fmt.Errorf("%w: %d connections open", ErrCapacityExceeded, t.active)
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot{})
		idx = uint32(len(t.slots) - 1)
	}

	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.open = true
	s.conn = conn
	s.remote = conn.RemoteAddr().String()
	s.role = registry.RoleUnauthenticated
	s.owner = 0
	t.active++

	return registry.Handle{Index: idx, Gen: s.gen}, nil
}

// get returns the slot for h, or nil when h is stale.
func (t *connTable) get(h registry.Handle) *slot {
	if !h.Valid() || int(h.Index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[h.Index]
	if !s.open || s.gen != h.Gen {
		return nil
	}
	return s
}

// remove frees the slot for h and returns its connection. The caller closes
// the connection.
func (t *connTable) remove(h registry.Handle) net.Conn {
	s := t.get(h)
	if s == nil {
		return nil
	}
	conn := s.conn
	s.open = false
	s.conn = nil
	s.role = registry.RoleUnauthenticated
	s.owner = 0
	t.free = append(t.free, h.Index)
	t.active--
	return conn
}

// handles returns the handles of every open slot.
func (t *connTable) handles() []registry.Handle {
	out := make([]registry.Handle, 0, t.active)
	for i := range t.slots {
		if t.slots[i].open {
			out = append(out, registry.Handle{Index: uint32(i), Gen: t.slots[i].gen})
		}
	}
	return out
}
