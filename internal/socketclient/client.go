package socketclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/chatty/internal/config"
	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/msglog"
	"github.com/codefionn/chatty/internal/protocol"
)

// ConnectionState represents the current state of the client
type ConnectionState int

const (
	// StateDisconnected indicates the client is not connected
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the first connection attempt is running
	StateConnecting
	// StateConnected indicates both channels are attached
	StateConnected
	// StateReconnecting indicates the link dropped and is being restored
	StateReconnecting
	// StateClosed indicates the client has been closed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when a request is made without a live request
// channel.
var ErrNotConnected = errors.New("not connected")

// ServerError is an Error message the server answered with.
type ServerError struct {
	Kind protocol.ErrorKind
}

func (e *ServerError) Error() string {
	return "server: " + e.Kind.String()
}

// Config holds client configuration
type Config struct {
	// Addr is the server's TCP address
	Addr string
	// Author is the name sent when introducing a new identity
	Author string
	// IdentityPath stores the issued identity between runs. Empty disables it.
	IdentityPath string
	// ReconnectInterval is the fixed delay between reconnection attempts
	ReconnectInterval time.Duration
	// DialTimeout bounds each TCP dial
	DialTimeout time.Duration
	// RequestTimeout bounds a request round trip on the request channel
	RequestTimeout time.Duration
	// LogCapacity is the size of the local message log in bytes
	LogCapacity int
}

// ConfigFrom converts the client section of a loaded config.
func ConfigFrom(c config.ClientConfig) Config {
	return Config{
		Addr:              c.Addr,
		Author:            c.Author,
		IdentityPath:      c.IdentityPath,
		ReconnectInterval: c.ReconnectInterval(),
		DialTimeout:       c.DialTimeout(),
		RequestTimeout:    c.RequestTimeout(),
		LogCapacity:       c.LogCapacity,
	}
}

// Client is one chat participant. It holds a request channel for its own
// texts and lookups and a push channel that receives everyone else's texts
// and presence changes.
type Client struct {
	cfg   Config
	state atomic.Int32 // ConnectionState

	// Connection table, shared with the reconnect agent.
	mu      sync.Mutex
	id      protocol.ID
	request net.Conn
	replies chan protocol.Message
	push    net.Conn
	err     error

	// reqMu serializes use of the request channel.
	reqMu sync.Mutex

	logMu    sync.Mutex
	messages *msglog.Log

	authorsMu sync.Mutex
	authors   map[protocol.ID]protocol.Author

	// Callbacks, set before Connect
	messageCallback      func(protocol.Message)
	stateChangedCallback func(ConnectionState, error)

	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewClient creates a client. Zero config fields take the defaults.
func NewClient(cfg Config) *Client {
	defaults := ConfigFrom(config.DefaultConfig().Client)
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaults.ReconnectInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = defaults.LogCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		messages: msglog.New(cfg.LogCapacity),
		authors:  make(map[protocol.ID]protocol.Author),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// SetMessageCallback registers fn for every Text and Presence received on
// the push channel.
func (c *Client) SetMessageCallback(fn func(protocol.Message)) {
	c.messageCallback = fn
}

// SetStateChangedCallback registers fn for connection state changes.
func (c *Client) SetStateChangedCallback(fn func(ConnectionState, error)) {
	c.stateChangedCallback = fn
}

// Connect attaches both channels. Without a stored identity the client
// introduces itself and saves the identity it is given.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return errors.New("already connected")
	}
	c.setState(StateConnecting, nil)

	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == 0 && c.cfg.IdentityPath != "" {
		stored, err := LoadIdentity(c.cfg.IdentityPath)
		if err != nil {
			c.setState(StateDisconnected, err)
			return err
		}
		if stored != 0 {
			logger.Debug("Using stored identity %d from %s", stored, c.cfg.IdentityPath)
			c.mu.Lock()
			c.id = stored
			c.mu.Unlock()
		}
	}

	if err := c.establish(ctx); err != nil {
		c.setState(StateDisconnected, err)
		return err
	}
	return nil
}

// establish runs the handshake on two fresh connections and installs them.
func (c *Client) establish(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()

	request, err := c.dial(ctx)
	if err != nil {
		return err
	}
	reqReader := bufio.NewReader(request)

	if id == 0 {
		id, err = c.introduce(request, reqReader)
	} else {
		err = claim(request, reqReader, id)
	}
	if err != nil {
		request.Close()
		return err
	}

	push, err := c.dial(ctx)
	if err != nil {
		request.Close()
		return err
	}
	pushReader := bufio.NewReader(push)
	if err := claim(push, pushReader, id); err != nil {
		request.Close()
		push.Close()
		return err
	}

	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		request.Close()
		push.Close()
		return ErrNotConnected
	}
	replies := make(chan protocol.Message, 1)
	c.id = id
	c.request, c.replies, c.push = request, replies, push
	c.err = nil
	c.wg.Add(2)
	c.mu.Unlock()

	go c.requestLoop(request, reqReader, replies)
	go c.pushLoop(push, pushReader)
	c.setState(StateConnected, nil)
	logger.Info("Connected to %s as %d", c.cfg.Addr, id)
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.Addr, err)
	}
	return conn, nil
}

// introduce asks for a new identity and stores it.
func (c *Client) introduce(conn net.Conn, r *bufio.Reader) (protocol.ID, error) {
	author := protocol.NewAuthor(c.cfg.Author)
	if err := protocol.Send(conn, protocol.NewMessage(0, protocol.Introduction{Author: author})); err != nil {
		return 0, err
	}
	m, err := protocol.Read(r)
	if err != nil {
		return 0, fmt.Errorf("introduction: %w", err)
	}
	switch body := m.Body.(type) {
	case protocol.Identity:
		if body.ID == 0 {
			return 0, fmt.Errorf("%w: server issued identity 0", protocol.ErrProtocolViolation)
		}
		c.rememberAuthor(body.ID, author)
		if c.cfg.IdentityPath != "" {
			if err := SaveIdentity(c.cfg.IdentityPath, body.ID); err != nil {
				logger.Warn("Failed to store identity %d: %v", body.ID, err)
			}
		}
		logger.Info("Introduced as %s with identity %d", author, body.ID)
		return body.ID, nil
	case protocol.Error:
		return 0, &ServerError{Kind: body.Kind}
	default:
		return 0, fmt.Errorf("%w: introduction answered with %s", protocol.ErrProtocolViolation, m.Header.Type)
	}
}

// claim attaches conn to identity id.
func claim(conn net.Conn, r *bufio.Reader, id protocol.ID) error {
	if err := protocol.Send(conn, protocol.NewMessage(id, protocol.Identity{ID: id})); err != nil {
		return err
	}
	m, err := protocol.ReadExpect(r, protocol.TypeError)
	if err != nil {
		return fmt.Errorf("claim %d: %w", id, err)
	}
	if kind := m.Body.(protocol.Error).Kind; kind != protocol.ErrorSuccess {
		return &ServerError{Kind: kind}
	}
	return nil
}

// pushLoop receives broadcasts until the push channel fails.
func (c *Client) pushLoop(conn net.Conn, r *bufio.Reader) {
	defer c.wg.Done()

	for {
		m, err := protocol.Read(r)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		switch m.Header.Type {
		case protocol.TypeText, protocol.TypePresence:
			if err := c.record(m); err != nil {
				c.abort(err)
				return
			}
			if c.messageCallback != nil {
				c.messageCallback(m)
			}
		default:
			logger.Debug("Ignoring %s on push channel", m.Header)
		}
	}
}

// requestLoop hands replies on the request channel to the caller waiting in
// roundTrip. It also notices a dropped request channel while the client is
// idle.
func (c *Client) requestLoop(conn net.Conn, r *bufio.Reader, replies chan<- protocol.Message) {
	defer c.wg.Done()
	defer close(replies)

	for {
		m, err := protocol.Read(r)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		select {
		case replies <- m:
		default:
			logger.Debug("Dropping unrequested %s on request channel", m.Header)
		}
	}
}

// connectionLost tears down both channels after conn, either of them, failed
// and starts the reconnect agent. A conn that was already replaced is
// ignored.
func (c *Client) connectionLost(conn net.Conn, err error) {
	c.mu.Lock()
	if (conn != c.push && conn != c.request) || c.State() == StateClosed {
		c.mu.Unlock()
		return
	}
	c.closeConnsLocked()
	c.mu.Unlock()

	if errors.Is(err, protocol.ErrPeerClosed) {
		logger.Warn("Server closed the connection")
	} else {
		logger.Warn("Connection lost: %v", err)
	}
	c.setState(StateReconnecting, err)
	c.startReconnect()
}

// abort stops the client for good after a failure it cannot recover from.
func (c *Client) abort(err error) {
	logger.Error("Client stopping: %v", err)
	c.cancel()
	c.mu.Lock()
	c.err = err
	changed := c.markClosedLocked()
	c.closeConnsLocked()
	c.mu.Unlock()
	if changed {
		c.notify(StateClosed, err)
	}
}

func (c *Client) closeConnsLocked() {
	if c.request != nil {
		c.request.Close()
		c.request, c.replies = nil, nil
	}
	if c.push != nil {
		c.push.Close()
		c.push = nil
	}
}

func (c *Client) record(m protocol.Message) error {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	return c.messages.Append(m)
}

// SendText sends text to every other client and records it locally.
func (c *Client) SendText(text string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	conn, id := c.request, c.id
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m := protocol.NewMessage(id, protocol.NewText(uint64(time.Now().Unix()), text))
	if err := protocol.Send(conn, m); err != nil {
		c.connectionLost(conn, err)
		return fmt.Errorf("send text: %w: %v", ErrNotConnected, err)
	}
	return c.record(m)
}

// CachedAuthor returns the author behind id if it is already known. It never
// touches the network.
func (c *Client) CachedAuthor(id protocol.ID) (protocol.Author, bool) {
	c.authorsMu.Lock()
	defer c.authorsMu.Unlock()
	author, ok := c.authors[id]
	return author, ok
}

// Author returns the author behind id, asking the server on a cache miss.
func (c *Client) Author(id protocol.ID) (protocol.Author, error) {
	if author, ok := c.CachedAuthor(id); ok {
		return author, nil
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	self := c.id
	c.mu.Unlock()

	m, err := c.roundTrip(protocol.NewMessage(self, protocol.Identity{ID: id}))
	if err != nil {
		return protocol.Author{}, fmt.Errorf("lookup %d: %w", id, err)
	}
	switch body := m.Body.(type) {
	case protocol.Introduction:
		c.rememberAuthor(id, body.Author)
		return body.Author, nil
	case protocol.Error:
		return protocol.Author{}, &ServerError{Kind: body.Kind}
	default:
		return protocol.Author{}, fmt.Errorf("%w: lookup answered with %s", protocol.ErrProtocolViolation, m.Header.Type)
	}
}

// roundTrip sends m on the request channel and waits for the reply. A failed
// write or a timeout counts as a lost link. c.reqMu must be held.
func (c *Client) roundTrip(m protocol.Message) (protocol.Message, error) {
	c.mu.Lock()
	conn, replies := c.request, c.replies
	c.mu.Unlock()
	if conn == nil {
		return protocol.Message{}, ErrNotConnected
	}

	if err := protocol.Send(conn, m); err != nil {
		c.connectionLost(conn, err)
		return protocol.Message{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-replies:
		if !ok {
			return protocol.Message{}, ErrNotConnected
		}
		return reply, nil
	case <-timer.C:
		err := fmt.Errorf("no reply to %s within %s", m.Header.Type, c.cfg.RequestTimeout)
		c.connectionLost(conn, err)
		return protocol.Message{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	case <-c.ctx.Done():
		return protocol.Message{}, ErrNotConnected
	}
}

func (c *Client) rememberAuthor(id protocol.ID, author protocol.Author) {
	c.authorsMu.Lock()
	c.authors[id] = author
	c.authorsMu.Unlock()
}

// Walk calls fn for every message in the local log, oldest first.
func (c *Client) Walk(fn func(protocol.Message) bool) error {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	return c.messages.Walk(fn)
}

// ID returns the client's identity, or 0 before the first introduction.
func (c *Client) ID() protocol.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected returns true if both channels are attached.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Err returns the error that closed the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// setState moves to state unless the client is closed, which is final.
func (c *Client) setState(state ConnectionState, err error) {
	for {
		old := c.state.Load()
		if ConnectionState(old) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(old, int32(state)) {
			if ConnectionState(old) != state {
				c.notify(state, err)
			}
			return
		}
	}
}

// markClosedLocked makes the state final. c.mu must be held so establish
// cannot install connections afterwards.
func (c *Client) markClosedLocked() bool {
	return ConnectionState(c.state.Swap(int32(StateClosed))) != StateClosed
}

func (c *Client) notify(state ConnectionState, err error) {
	if c.stateChangedCallback != nil {
		c.stateChangedCallback(state, err)
	}
}

// Close stops the reconnect agent and closes both channels.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		changed := c.markClosedLocked()
		c.closeConnsLocked()
		c.mu.Unlock()
		if changed {
			c.notify(StateClosed, nil)
		}
		c.wg.Wait()
	})
	return nil
}
