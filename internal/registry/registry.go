// Package registry is the directory of known clients.
//
// A client record maps an author to an identity and to the connections
// currently attached for it. Records are created by introductions and never
// removed: when a client drops, only its connection handles are cleared, so
// the same identity can attach again later.
//
// Every new record is appended to the registry file and synced before
// Introduce returns, so an identity is never acknowledged before it is
// durable. Open rehydrates the registry from that file with every connection
// handle empty.
//
// The registry is not safe for concurrent use; it belongs to the server's
// event loop.
package registry

import (
	"errors"
	"fmt"

	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/protocol"
)

var (
	ErrNotFound         = errors.New("identity not found")
	ErrAlreadyConnected = errors.New("already connected")
	// ErrOutOfOrder is returned when a push channel tries to attach before
	// the request channel.
	ErrOutOfOrder = errors.New("request channel must attach first")
)

// Handle is a stable reference to a connection-table slot. The generation
// changes every time the slot is reused, so a stale handle never matches a
// newer connection. The zero Handle refers to no connection.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Valid reports whether h refers to a connection at all.
func (h Handle) Valid() bool {
	return h.Gen != 0
}

func (h Handle) String() string {
	if !h.Valid() {
		return "conn(-)"
	}
	return fmt.Sprintf("conn(%d.%d)", h.Index, h.Gen)
}

// Role is what a connection is used for.
type Role uint8

const (
	RoleUnauthenticated Role = iota
	RoleRequest
	RolePush
)

func (r Role) String() string {
	switch r {
	case RoleUnauthenticated:
		return "unauthenticated"
	case RoleRequest:
		return "request"
	case RolePush:
		return "push"
	default:
		return "unknown"
	}
}

// Client is one known identity.
type Client struct {
	Author  protocol.Author
	ID      protocol.ID
	Request Handle
	Push    Handle

	online bool
}

func (c *Client) String() string {
	return fmt.Sprintf("[%s](%d)", c.Author, c.ID)
}

// Conn returns the handle attached for role.
func (c *Client) Conn(role Role) Handle {
	switch role {
	case RoleRequest:
		return c.Request
	case RolePush:
		return c.Push
	default:
		return Handle{}
	}
}

// Attached reports how many channels are attached.
func (c *Client) Attached() int {
	n := 0
	if c.Request.Valid() {
		n++
	}
	if c.Push.Valid() {
		n++
	}
	return n
}

// Online reports whether the client has been announced as connected and
// not yet as disconnected.
func (c *Client) Online() bool {
	return c.online
}

// SetOnline records an announcement and reports whether it changed the
// client's state.
func (c *Client) SetOnline(online bool) bool {
	if c.online == online {
		return false
	}
	c.online = online
	return true
}

// Registry holds every client record.
type Registry struct {
	clients []*Client
	next    protocol.ID
	store   *store
	lock    *Lock
}

// Open loads the registry stored at path. An empty path gives a registry
// that lives only in memory.
func Open(path string) (*Registry, error) {
	r := &Registry{next: 1}
	if path == "" {
		return r, nil
	}

	lock := NewLock(path + ".lock")
	if err := lock.TryAcquire(); err != nil {
		return nil, fmt.Errorf("failed to lock registry %s: %w", path, err)
	}

	st, records, err := openStore(path)
	if err != nil {
		lock.Release()
		return nil, err
	}
	r.store = st
	r.lock = lock

	for _, rec := range records {
		if rec.id == 0 {
			logger.Warn("registry: skipping record with identity 0")
			continue
		}
		if r.ByIdentity(rec.id) != nil {
			logger.Warn("registry: skipping duplicate identity %d", rec.id)
			continue
		}
		r.clients = append(r.clients, &Client{Author: rec.author, ID: rec.id})
		if rec.id >= r.next {
			r.next = rec.id + 1
		}
	}
	logger.Info("Imported %d client(s) from %s", len(r.clients), path)
	for _, c := range r.clients {
		logger.Debug("Imported: %s", c)
	}

	return r, nil
}

// Close releases the registry file and its lock.
func (r *Registry) Close() error {
	var err error
	if r.store != nil {
		err = r.store.close()
		r.store = nil
	}
	if r.lock != nil {
		if lockErr := r.lock.Release(); lockErr != nil && err == nil {
			err = lockErr
		}
		r.lock = nil
	}
	return err
}

// Introduce creates a record for author with the next identity. The record
// is durable when Introduce returns.
func (r *Registry) Introduce(author protocol.Author) (*Client, error) {
	c := &Client{Author: author, ID: r.next}
	if r.store != nil {
		if err := r.store.append(record{author: c.Author, id: c.ID}); err != nil {
			return nil, fmt.Errorf("failed to persist %s: %w", c, err)
		}
	}
	r.clients = append(r.clients, c)
	r.next++
	return c, nil
}

// ByIdentity returns the client with identity id, or nil. Identity 0 is
// never found.
func (r *Registry) ByIdentity(id protocol.ID) *Client {
	if id == 0 {
		return nil
	}
	for _, c := range r.clients {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ByConnection returns the client that has h attached and the role it is
// attached as.
func (r *Registry) ByConnection(h Handle) (*Client, Role) {
	if !h.Valid() {
		return nil, RoleUnauthenticated
	}
	for _, c := range r.clients {
		if c.Request == h {
			return c, RoleRequest
		}
		if c.Push == h {
			return c, RolePush
		}
	}
	return nil, RoleUnauthenticated
}

// Attach attaches h to the client with identity id. The request channel is
// attached first, the push channel second; a third claim is refused.
func (r *Registry) Attach(id protocol.ID, h Handle) (*Client, Role, error) {
	c := r.ByIdentity(id)
	if c == nil {
		return nil, RoleUnauthenticated, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	role := RoleRequest
	if c.Request.Valid() {
		role = RolePush
	}
	if err := r.AttachRole(c, role, h); err != nil {
		return c, RoleUnauthenticated, err
	}
	return c, role, nil
}

// AttachRole attaches h to c as role.
func (r *Registry) AttachRole(c *Client, role Role, h Handle) error {
	if !h.Valid() {
		return fmt.Errorf("attach %s to %s: invalid handle", role, c)
	}
	switch role {
	case RoleRequest:
		if c.Request.Valid() {
			return fmt.Errorf("%w: %s request channel", ErrAlreadyConnected, c)
		}
		c.Request = h
	case RolePush:
		if c.Push.Valid() {
			return fmt.Errorf("%w: %s push channel", ErrAlreadyConnected, c)
		}
		if !c.Request.Valid() {
			return fmt.Errorf("%w: %s", ErrOutOfOrder, c)
		}
		c.Push = h
	default:
		return fmt.Errorf("cannot attach %s as %s", c, role)
	}
	return nil
}

// Detach clears h from whichever client has it attached.
func (r *Registry) Detach(h Handle) (*Client, Role) {
	c, role := r.ByConnection(h)
	switch role {
	case RoleRequest:
		c.Request = Handle{}
	case RolePush:
		c.Push = Handle{}
	}
	return c, role
}

// DetachAll clears every connection handle, as when the server stops.
func (r *Registry) DetachAll() {
	for _, c := range r.clients {
		c.Request = Handle{}
		c.Push = Handle{}
		c.online = false
	}
}

// Clients returns every record in introduction order. The slice must not be
// modified.
func (r *Registry) Clients() []*Client {
	return r.clients
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.clients)
}

// NextID returns the identity the next introduction will receive.
func (r *Registry) NextID() protocol.ID {
	return r.next
}
