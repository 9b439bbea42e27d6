package socketserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/codefionn/chatty/internal/arena"
	"github.com/codefionn/chatty/internal/config"
	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/metrics"
	"github.com/codefionn/chatty/internal/msglog"
	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/registry"
)

// ErrCapacityExceeded is returned when the connection table is full.
var ErrCapacityExceeded = errors.New("too many connections")

// Config configures a Server.
type Config struct {
	Addr            string
	MaxConnections  int
	PollInterval    time.Duration
	LogCapacity     int
	ScratchCapacity int

	// Control carries operator commands, one per line. Nil disables operator
	// input; EOF stops the server.
	Control io.Reader
	// Output receives command output. Defaults to stdout.
	Output io.Writer

	Metrics *metrics.Metrics
}

// ConfigFrom converts the server section of a loaded config.
func ConfigFrom(c config.ServerConfig) Config {
	return Config{
		Addr:            c.Addr,
		MaxConnections:  c.MaxConnections,
		PollInterval:    c.PollInterval(),
		LogCapacity:     c.LogCapacity,
		ScratchCapacity: c.ScratchCapacity,
	}
}

type eventKind uint8

const (
	evAccept eventKind = iota
	evMessage
	evClosed
	evControl
	evInspect
)

// event is everything the loop reacts to. Goroutines that touch the network
// only produce events; the loop alone touches server state.
type event struct {
	kind    eventKind
	conn    net.Conn
	handle  registry.Handle
	msg     protocol.Message
	err     error
	line    string
	inspect func(*msglog.Log, *registry.Registry)
	done    chan struct{}
}

// Server is the chat server. All client state is owned by the goroutine
// running Run.
type Server struct {
	cfg      Config
	reg      *registry.Registry
	messages *msglog.Log
	scratch  *arena.Arena
	conns    *connTable
	hub      *Hub
	metrics  *metrics.Metrics

	listener net.Listener
	events   chan event

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server around reg. The registry must not be used by
// anything else while the server runs.
func NewServer(cfg Config, reg *registry.Registry) *Server {
	defaults := ConfigFrom(config.DefaultConfig().Server)
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = defaults.LogCapacity
	}
	if cfg.ScratchCapacity <= 0 {
		cfg.ScratchCapacity = defaults.ScratchCapacity
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	s := &Server{
		cfg:      cfg,
		reg:      reg,
		messages: msglog.New(cfg.LogCapacity),
		scratch:  arena.New(cfg.ScratchCapacity),
		conns:    newConnTable(cfg.MaxConnections),
		metrics:  cfg.Metrics,
		events:   make(chan event, 256),
		stopChan: make(chan struct{}),
	}
	s.hub = NewHub(reg, s.conns, s.scratch, cfg.Metrics)
	return s
}

// Listen binds the listening socket. Run calls it if it has not been called.
func (s *Server) Listen(ctx context.Context) error {
	if s.listener != nil {
		return nil
	}
	lc := net.ListenConfig{Control: reuseAddr}
	listener, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves connections until ctx is done, Stop is called or the operator
// quits. It returns an error only when the server cannot continue, such as
// when the message log is exhausted.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Listen(ctx); err != nil {
		return err
	}
	defer s.shutdown()

	go s.acceptLoop()
	if s.cfg.Control != nil {
		go s.controlLoop(s.cfg.Control)
	}

	logger.Info("Chat server started on %s (max connections: %d)", s.listener.Addr(), s.cfg.MaxConnections)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Chat server stopping: %v", ctx.Err())
			return nil

		case <-s.stopChan:
			logger.Info("Chat server stopping")
			return nil

		case <-ticker.C:
			s.tick()

		case ev := <-s.events:
			s.scratch.Reset()
			stop, err := s.handle(ev)
			if err == nil {
				err = s.flushFailed()
			}
			if err != nil {
				logger.Error("Chat server aborting: %v", err)
				return err
			}
			if stop {
				logger.Info("Chat server stopping on operator request")
				return nil
			}
		}
	}
}

// Stop makes Run return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Error("Error closing listener: %v", err)
			}
		}
	})
}

// Inspect runs fn on the event loop with the message log and the registry.
// fn must not keep either after it returns.
func (s *Server) Inspect(ctx context.Context, fn func(*msglog.Log, *registry.Registry)) error {
	done := make(chan struct{})
	select {
	case s.events <- event{kind: evInspect, inspect: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopChan:
		return fmt.Errorf("server stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopChan:
		return fmt.Errorf("server stopped")
	}
}

// IsRunning returns whether Run is active.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// post hands ev to the loop. It reports false once the server is stopping.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopChan:
		return false
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("Listener closed, exiting accept loop")
				return
			}
			select {
			case <-s.stopChan:
				return
			default:
			}
			logger.Error("Error accepting connection: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !s.post(event{kind: evAccept, conn: conn}) {
			conn.Close()
			return
		}
	}
}

// handle processes one event. stop is set when the operator asked to quit.
func (s *Server) handle(ev event) (stop bool, err error) {
	switch ev.kind {
	case evAccept:
		s.accept(ev.conn)
	case evMessage:
		err = s.dispatch(ev.handle, ev.msg)
	case evClosed:
		err = s.drop(ev.handle, ev.err)
	case evControl:
		stop, err = s.command(ev.line)
	case evInspect:
		ev.inspect(s.messages, s.reg)
		close(ev.done)
	}
	return stop, err
}

func (s *Server) accept(conn net.Conn) {
	h, err := s.conns.insert(conn)
	if err != nil {
		logger.Warn("Rejecting connection from %s: %v", conn.RemoteAddr(), err)
		s.metrics.Rejected()
		reject := protocol.NewMessage(0, protocol.Error{Kind: protocol.ErrorTooManyConnections})
		if err := protocol.Send(conn, reject); err != nil {
			logger.Debug("Failed to send rejection to %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}

	s.metrics.ConnOpened()
	logger.Info("New connection accepted: %s from %s (total: %d)", h, conn.RemoteAddr(), s.conns.active)
	go s.readPump(h, conn)
}

// flushFailed drops every connection a write failed on. Dropping can
// broadcast and fail further writes, so it loops until nothing is left.
func (s *Server) flushFailed() error {
	for {
		failed := s.hub.TakeFailed()
		if len(failed) == 0 {
			return nil
		}
		for _, h := range failed {
			if err := s.drop(h, fmt.Errorf("write failed")); err != nil {
				return err
			}
		}
	}
}

func (s *Server) tick() {
	s.metrics.SetLogBytes(s.messages.Used())
	logger.Debug("Poll: %d connections, %d clients, log %d/%d bytes",
		s.conns.active, s.reg.Len(), s.messages.Used(), s.messages.Cap())
}

func (s *Server) shutdown() {
	s.Stop()
	for {
		select {
		case ev := <-s.events:
			if ev.kind == evAccept {
				ev.conn.Close()
			}
			continue
		default:
		}
		break
	}
	for _, h := range s.conns.handles() {
		if conn := s.conns.remove(h); conn != nil {
			conn.Close()
			s.metrics.ConnClosed()
		}
	}
	s.reg.DetachAll()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	logger.Info("Chat server stopped")
}
