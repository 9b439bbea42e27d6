package socketserver

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/protocol"
)

// controlLoop forwards operator lines to the loop. EOF is treated as quit.
func (s *Server) controlLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !s.post(event{kind: evControl, line: line}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Operator input failed: %v", err)
	}
	s.post(event{kind: evControl, line: "quit"})
}

// command runs one operator command and reports whether the server should
// stop.
func (s *Server) command(line string) (bool, error) {
	out := s.cfg.Output
	verb, arg, _ := strings.Cut(line, " ")
	switch verb {
	case "quit", "exit":
		return true, nil

	case "say":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			fmt.Fprintln(out, "usage: say <text>")
			break
		}
		if n := utf8.RuneCountInString(arg); n > protocol.MaxTextLen {
			fmt.Fprintf(out, "notice of %d code points is too long\n", n)
			break
		}
		n, err := s.notice(arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "notice sent to %d clients\n", n)

	case "clients":
		for _, c := range s.reg.Clients() {
			fmt.Fprintf(out, "%d\t%s\trequest=%s push=%s online=%t\n",
				c.ID, c.Author, c.Request, c.Push, c.Online())
		}
		fmt.Fprintf(out, "%d clients, next identity %d\n", s.reg.Len(), s.reg.NextID())

	case "stats":
		fmt.Fprintf(out, "log: %d entries, %d/%d bytes\n", s.messages.Len(), s.messages.Used(), s.messages.Cap())
		fmt.Fprintf(out, "connections: %d/%d\n", s.conns.active, s.conns.max)
		fmt.Fprintf(out, "scratch: %d bytes\n", s.scratch.Cap())

	case "help":
		fmt.Fprintln(out, "commands: clients, stats, say <text>, quit")

	default:
		fmt.Fprintf(out, "unknown command %q (try help)\n", line)
	}
	return false, nil
}

// notice logs text as sent by identity 0 and pushes it to every client.
func (s *Server) notice(text string) (int, error) {
	m := protocol.NewMessage(0, protocol.NewText(uint64(time.Now().Unix()), text))
	if err := s.messages.Append(m); err != nil {
		return 0, err
	}
	s.metrics.SetLogBytes(s.messages.Used())
	logger.Info("Operator notice: %s", text)
	return s.hub.SendToAll(m)
}
