package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/codefionn/chatty/internal/config"
	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/socketclient"
)

type options struct {
	configPath   string
	addr         string
	author       string
	identityPath string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	opts.apply(cfg)
	if cfg.Client.Author == "" {
		cfg.Client.Author = os.Getenv("USER")
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	out := &screen{w: os.Stdout, interactive: term.IsTerminal(int(os.Stdin.Fd()))}
	client := socketclient.NewClient(socketclient.ConfigFrom(cfg.Client))
	client.SetMessageCallback(func(m protocol.Message) {
		out.message(client, m)
	})
	client.SetStateChangedCallback(func(state socketclient.ConnectionState, err error) {
		out.state(state, err)
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Client.DialTimeout())
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		var serverErr *socketclient.ServerError
		if errors.As(err, &serverErr) && serverErr.Kind == protocol.ErrorNotFound {
			return fmt.Errorf("server does not know the identity in %s; remove it to register again", cfg.Client.IdentityPath)
		}
		return err
	}
	out.printf("connected as %s (%d)\n", cfg.Client.Author, client.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return foreground(gctx, client, os.Stdin, out)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := client.Close(); err != nil {
			return err
		}
		return client.Err()
	})
	return g.Wait()
}

// foreground sends every input line as a text until EOF, /quit or ctx.
func foreground(ctx context.Context, client *socketclient.Client, in io.Reader, out *screen) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	out.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			switch {
			case line == "/quit":
				return nil
			case line == "":
			default:
				if err := client.SendText(line); err != nil {
					if errors.Is(err, socketclient.ErrNotConnected) {
						out.printf("[disconnected] message not sent\n")
					} else {
						logger.Warn("Failed to send text: %v", err)
						out.printf("[error] %v\n", err)
					}
				}
			}
			out.prompt()
		}
	}
}

// screen serializes output from the input loop and the push channel.
type screen struct {
	mu          sync.Mutex
	w           io.Writer
	interactive bool

	// identities with an author lookup in flight
	pendingMu sync.Mutex
	pending   map[protocol.ID]bool
}

func (s *screen) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func (s *screen) prompt() {
	if s.interactive {
		s.printf("> ")
	}
}

// message runs on the push channel's reader, so unknown authors are shown
// by identity and looked up in the background.
func (s *screen) message(client *socketclient.Client, m protocol.Message) {
	name := s.name(client, m.Header.ID)

	switch body := m.Body.(type) {
	case protocol.Text:
		ts := time.Unix(int64(body.Timestamp), 0).Format("15:04:05")
		s.printf("\r%s %s: %s\n", ts, name, body)
	case protocol.Presence:
		s.printf("\r* %s %s\n", name, body.Kind)
	}
	s.prompt()
}

func (s *screen) name(client *socketclient.Client, id protocol.ID) string {
	if id == 0 {
		return "server"
	}
	if author, ok := client.CachedAuthor(id); ok {
		return author.String()
	}

	s.pendingMu.Lock()
	if s.pending == nil {
		s.pending = make(map[protocol.ID]bool)
	}
	inFlight := s.pending[id]
	s.pending[id] = true
	s.pendingMu.Unlock()

	if !inFlight {
		go func() {
			if _, err := client.Author(id); err != nil {
				logger.Debug("Author lookup for %d failed: %v", id, err)
			}
			s.pendingMu.Lock()
			delete(s.pending, id)
			s.pendingMu.Unlock()
		}()
	}
	return fmt.Sprintf("#%d", id)
}

func (s *screen) state(state socketclient.ConnectionState, err error) {
	switch state {
	case socketclient.StateReconnecting:
		s.printf("\r[disconnected] reconnecting...\n")
	case socketclient.StateConnected:
		s.printf("\r[connected]\n")
	case socketclient.StateClosed:
		if err != nil {
			s.printf("\r[closed] %v\n", err)
		}
	}
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("chatty", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the config file")
	fs.StringVar(&opts.addr, "addr", "", "Server address (default 127.0.0.1:"+config.DefaultPort+")")
	fs.StringVar(&opts.author, "author", "", "Name to register with (at most 12 bytes)")
	fs.StringVar(&opts.identityPath, "id", "", "File that stores the issued identity")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Type a line to send it, /quit to leave.")
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *options) apply(cfg *config.Config) {
	if o.addr != "" {
		cfg.Client.Addr = o.addr
	}
	if o.author != "" {
		cfg.Client.Author = o.author
	}
	if o.identityPath != "" {
		cfg.Client.IdentityPath = o.identityPath
	}
}
