package socketserver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/chatty/internal/arena"
	"github.com/codefionn/chatty/internal/metrics"
	"github.com/codefionn/chatty/internal/msglog"
	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/registry"
)

type testServer struct {
	*Server
	errc   chan error
	cancel context.CancelFunc
}

func startServer(t *testing.T, cfg Config, reg *registry.Registry) *testServer {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if reg == nil {
		var err error
		reg, err = registry.Open("")
		require.NoError(t, err)
	}

	s := NewServer(cfg, reg)
	require.NoError(t, s.Listen(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: s, errc: make(chan error, 1), cancel: cancel}
	go func() { ts.errc <- s.Run(ctx) }()
	t.Cleanup(func() { ts.stop(t) })
	return ts
}

// stop cancels Run and waits for it. It is safe to call twice.
func (ts *testServer) stop(t *testing.T) error {
	ts.cancel()
	select {
	case err, ok := <-ts.errc:
		if ok {
			close(ts.errc)
		}
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func (ts *testServer) inspect(t *testing.T, fn func(*msglog.Log, *registry.Registry)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Inspect(ctx, fn))
}

type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, ts *testServer) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", ts.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(m protocol.Message) {
	p.t.Helper()
	require.NoError(p.t, protocol.Send(p.conn, m))
}

func (p *peer) recv() protocol.Message {
	p.t.Helper()
	m, err := protocol.Read(p.r)
	require.NoError(p.t, err)
	return m
}

func (p *peer) expectError(kind protocol.ErrorKind) protocol.Message {
	p.t.Helper()
	m := p.recv()
	require.Equal(p.t, protocol.TypeError, m.Header.Type)
	assert.Equal(p.t, kind, m.Body.(protocol.Error).Kind)
	return m
}

func (p *peer) expectPresence(id protocol.ID, kind protocol.PresenceKind) {
	p.t.Helper()
	m := p.recv()
	require.Equal(p.t, protocol.TypePresence, m.Header.Type, "got %s", m.Header)
	assert.Equal(p.t, id, m.Header.ID)
	assert.Equal(p.t, kind, m.Body.(protocol.Presence).Kind)
}

func (p *peer) expectClosed() {
	p.t.Helper()
	_, err := protocol.Read(p.r)
	assert.Error(p.t, err)
}

type chatter struct {
	id   protocol.ID
	req  *peer
	push *peer
}

func introduce(t *testing.T, ts *testServer, name string) *chatter {
	t.Helper()
	req := dial(t, ts)
	req.send(protocol.NewMessage(0, protocol.Introduction{Author: protocol.NewAuthor(name)}))
	m := req.recv()
	require.Equal(t, protocol.TypeIdentity, m.Header.Type)
	id := m.Body.(protocol.Identity).ID
	assert.Equal(t, id, m.Header.ID)

	c := &chatter{id: id, req: req}
	c.push = claim(t, ts, id, protocol.ErrorSuccess)
	return c
}

func claim(t *testing.T, ts *testServer, id protocol.ID, want protocol.ErrorKind) *peer {
	t.Helper()
	p := dial(t, ts)
	p.send(protocol.NewMessage(id, protocol.Identity{ID: id}))
	p.expectError(want)
	return p
}

func (c *chatter) say(text string) {
	c.req.send(protocol.NewMessage(c.id, protocol.NewText(uint64(time.Now().Unix()), text)))
}

func waitDetached(t *testing.T, ts *testServer, id protocol.ID) {
	t.Helper()
	assert.Eventually(t, func() bool {
		attached := -1
		ts.inspect(t, func(_ *msglog.Log, reg *registry.Registry) {
			attached = reg.ByIdentity(id).Attached()
		})
		return attached == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAliceAndBob(t *testing.T) {
	ts := startServer(t, Config{}, nil)

	alice := introduce(t, ts, "Alice")
	bob := introduce(t, ts, "Bob")
	assert.Equal(t, protocol.ID(1), alice.id)
	assert.Equal(t, protocol.ID(2), bob.id)
	alice.push.expectPresence(bob.id, protocol.PresenceConnected)

	alice.say("hi")
	m := bob.push.recv()
	require.Equal(t, protocol.TypeText, m.Header.Type)
	assert.Equal(t, alice.id, m.Header.ID)
	assert.Equal(t, "hi", m.Body.(protocol.Text).String())

	// alice never gets her own text back: her next push message is bob's
	bob.say("hello alice")
	m = alice.push.recv()
	require.Equal(t, protocol.TypeText, m.Header.Type)
	assert.Equal(t, bob.id, m.Header.ID)

	bob.req.conn.Close()
	bob.push.conn.Close()
	alice.push.expectPresence(bob.id, protocol.PresenceDisconnected)
	waitDetached(t, ts, bob.id)

	ts.inspect(t, func(_ *msglog.Log, reg *registry.Registry) {
		got := reg.ByIdentity(bob.id)
		require.NotNil(t, got)
		assert.Equal(t, "Bob", got.Author.String())
	})

	claim(t, ts, bob.id, protocol.ErrorSuccess)
	claim(t, ts, bob.id, protocol.ErrorSuccess)
	// exactly one disconnect was announced before the reconnect
	alice.push.expectPresence(bob.id, protocol.PresenceConnected)

	var texts []string
	ts.inspect(t, func(l *msglog.Log, _ *registry.Registry) {
		require.NoError(t, l.Walk(func(m protocol.Message) bool {
			if text, ok := m.Body.(protocol.Text); ok {
				texts = append(texts, text.String())
			}
			return true
		}))
	})
	assert.Equal(t, []string{"hi", "hello alice"}, texts)
}

func TestClaimWhenBothChannelsAttached(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	alice := introduce(t, ts, "Alice")

	third := claim(t, ts, alice.id, protocol.ErrorAlreadyConnected)
	third.expectClosed()

	ts.inspect(t, func(_ *msglog.Log, reg *registry.Registry) {
		c := reg.ByIdentity(alice.id)
		assert.Equal(t, 2, c.Attached())
	})

	// existing channels still work
	alice.req.send(protocol.NewMessage(alice.id, protocol.Identity{ID: alice.id}))
	m := alice.req.recv()
	assert.Equal(t, protocol.TypeIntroduction, m.Header.Type)
}

func TestClaimUnknownIdentity(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	p := claim(t, ts, 42, protocol.ErrorNotFound)
	p.expectClosed()
}

func TestUnauthenticatedViolationDropsSilently(t *testing.T) {
	m := metrics.New()
	ts := startServer(t, Config{Metrics: m}, nil)

	p := dial(t, ts)
	p.send(protocol.NewMessage(0, protocol.NewText(0, "let me in")))
	p.expectClosed()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ProtocolViolations) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTextWithForeignSenderIsViolation(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	alice := introduce(t, ts, "Alice")
	bob := introduce(t, ts, "Bob")
	alice.push.expectPresence(bob.id, protocol.PresenceConnected)

	alice.req.send(protocol.NewMessage(bob.id, protocol.NewText(0, "i am bob")))
	alice.req.expectClosed()
	// request loss alone is not announced; the push loss is
	alice.push.conn.Close()
	bob.push.expectPresence(alice.id, protocol.PresenceDisconnected)
}

func TestPushChannelMayNotSend(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	alice := introduce(t, ts, "Alice")

	alice.push.send(protocol.NewMessage(alice.id, protocol.NewText(0, "wrong way")))
	alice.push.expectClosed()
}

func TestProfileLookup(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	alice := introduce(t, ts, "Alice")
	bob := introduce(t, ts, "Bob")

	alice.req.send(protocol.NewMessage(alice.id, protocol.Identity{ID: bob.id}))
	m := alice.req.recv()
	require.Equal(t, protocol.TypeIntroduction, m.Header.Type)
	assert.Equal(t, bob.id, m.Header.ID)
	assert.Equal(t, "Bob", m.Body.(protocol.Introduction).Author.String())

	alice.req.send(protocol.NewMessage(alice.id, protocol.Identity{ID: 99}))
	alice.req.expectError(protocol.ErrorNotFound)

	// the channel stays usable after a failed lookup
	alice.say("still here")
	m = bob.push.recv()
	assert.Equal(t, protocol.TypeText, m.Header.Type)
}

func TestCapacityExceeded(t *testing.T) {
	m := metrics.New()
	ts := startServer(t, Config{MaxConnections: 1, Metrics: m}, nil)

	first := dial(t, ts)
	first.send(protocol.NewMessage(0, protocol.Introduction{Author: protocol.NewAuthor("Alice")}))
	first.recv()

	second := dial(t, ts)
	second.expectError(protocol.ErrorTooManyConnections)
	second.expectClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsRejected))

	// a freed slot is reused
	first.conn.Close()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ConnectionsActive) == 0
	}, 5*time.Second, 10*time.Millisecond)
	claim(t, ts, 1, protocol.ErrorSuccess)
}

func TestIdentitiesMonotonicAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients")

	reg, err := registry.Open(path)
	require.NoError(t, err)
	ts := startServer(t, Config{}, reg)
	alice := introduce(t, ts, "Alice")
	bob := introduce(t, ts, "Bob")
	require.NoError(t, ts.stop(t))
	require.NoError(t, reg.Close())

	reg, err = registry.Open(path)
	require.NoError(t, err)
	defer reg.Close()
	ts = startServer(t, Config{}, reg)

	carol := introduce(t, ts, "Carol")
	assert.Greater(t, carol.id, bob.id)
	assert.Greater(t, bob.id, alice.id)
	claim(t, ts, alice.id, protocol.ErrorSuccess)
}

func TestLogExhaustionIsFatal(t *testing.T) {
	ts := startServer(t, Config{LogCapacity: 64}, nil)
	alice := introduce(t, ts, "Alice")

	alice.say(strings.Repeat("x", 100))

	select {
	case err := <-ts.errc:
		assert.ErrorIs(t, err, arena.ErrExhausted)
		close(ts.errc)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept running with a full log")
	}
}

func TestOperatorCommands(t *testing.T) {
	reg, err := registry.Open("")
	require.NoError(t, err)
	_, err = reg.Introduce(protocol.NewAuthor("Alice"))
	require.NoError(t, err)

	var out bytes.Buffer
	s := NewServer(Config{
		Addr:    "127.0.0.1:0",
		Control: strings.NewReader("clients\nstats\nsay\nbogus\n"),
		Output:  &out,
	}, reg)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	select {
	case err := <-errc:
		require.NoError(t, err, "EOF on operator input stops the server")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop on operator EOF")
	}
	assert.False(t, s.IsRunning())

	text := out.String()
	assert.Contains(t, text, "1\tAlice\t")
	assert.Contains(t, text, "1 clients, next identity 2")
	assert.Contains(t, text, "log: 0 entries")
	assert.Contains(t, text, "usage: say <text>")
	assert.Contains(t, text, `unknown command "bogus"`)
}

func TestTextReachesEveryOtherClient(t *testing.T) {
	ts := startServer(t, Config{}, nil)
	alice := introduce(t, ts, "Alice")
	bob := introduce(t, ts, "Bob")
	alice.push.expectPresence(bob.id, protocol.PresenceConnected)
	carol := introduce(t, ts, "Carol")
	alice.push.expectPresence(carol.id, protocol.PresenceConnected)
	bob.push.expectPresence(carol.id, protocol.PresenceConnected)

	alice.say("hi all")
	for _, other := range []*chatter{bob, carol} {
		m := other.push.recv()
		require.Equal(t, protocol.TypeText, m.Header.Type)
		assert.Equal(t, alice.id, m.Header.ID)
		assert.Equal(t, "hi all", m.Body.(protocol.Text).String())
	}

	// the next thing on alice's push channel is carol's text, not her own
	carol.say("hi alice")
	for _, other := range []*chatter{alice, bob} {
		m := other.push.recv()
		require.Equal(t, protocol.TypeText, m.Header.Type)
		assert.Equal(t, carol.id, m.Header.ID)
		assert.Equal(t, "hi alice", m.Body.(protocol.Text).String())
	}
}

func TestOperatorNoticeReachesEveryone(t *testing.T) {
	control, operator := io.Pipe()
	var out bytes.Buffer
	ts := startServer(t, Config{Control: control, Output: &out}, nil)

	alice := introduce(t, ts, "Alice")
	bob := introduce(t, ts, "Bob")
	alice.push.expectPresence(bob.id, protocol.PresenceConnected)

	_, err := io.WriteString(operator, "say maintenance at noon\n")
	require.NoError(t, err)
	for _, c := range []*chatter{alice, bob} {
		m := c.push.recv()
		require.Equal(t, protocol.TypeText, m.Header.Type)
		assert.Equal(t, protocol.ID(0), m.Header.ID)
		assert.Equal(t, "maintenance at noon", m.Body.(protocol.Text).String())
	}

	var texts []string
	ts.inspect(t, func(l *msglog.Log, _ *registry.Registry) {
		require.NoError(t, l.Walk(func(m protocol.Message) bool {
			if text, ok := m.Body.(protocol.Text); ok {
				texts = append(texts, text.String())
			}
			return true
		}))
	})
	assert.Equal(t, []string{"maintenance at noon"}, texts)

	require.NoError(t, operator.Close())
	select {
	case err := <-ts.errc:
		require.NoError(t, err)
		close(ts.errc)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop on operator EOF")
	}
	assert.Contains(t, out.String(), "notice sent to 2 clients")
}
