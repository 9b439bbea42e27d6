package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codefionn/chatty/internal/protocol"
	"github.com/codefionn/chatty/internal/socketclient"
)

func TestMessageWithUnknownAuthorDoesNotBlock(t *testing.T) {
	client := socketclient.NewClient(socketclient.Config{Addr: "127.0.0.1:1"})
	var buf bytes.Buffer
	out := &screen{w: &buf}

	done := make(chan struct{})
	go func() {
		defer close(done)
		out.message(client, protocol.NewMessage(7, protocol.NewText(0, "hi")))
		out.message(client, protocol.NewMessage(0, protocol.NewText(0, "maintenance")))
		out.message(client, protocol.NewMessage(7, protocol.Presence{Kind: protocol.PresenceDisconnected}))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("printing a message waited on an author lookup")
	}

	out.mu.Lock()
	text := buf.String()
	out.mu.Unlock()
	assert.Contains(t, text, "#7: hi")
	assert.Contains(t, text, "server: maintenance")
	assert.Contains(t, text, "* #7 disconnected")
}
