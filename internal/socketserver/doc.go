// Package socketserver implements the chat server.
//
// # Architecture
//
//   - Server: owns the listener, the connection table, the client registry and
//     the message log, and runs the event loop
//   - Hub: writes broadcasts and replies to client connections
//   - read pumps: one goroutine per connection that decodes whole messages
//
// Only the goroutine in Server.Run touches server state. The accept loop, the
// read pumps and the operator input produce events on one channel and the
// loop consumes them in order; a ticker bounds how long the loop waits.
// Connections are referred to by registry.Handle, whose generation changes
// whenever a slot is reused, so events from a connection that is already gone
// are ignored.
//
// # Connection lifecycle
//
// Every client opens two connections. The first message on a connection must
// be an Introduction or an Identity claim; anything else drops the connection
// without a reply. The first attached connection is the request channel, the
// second the push channel. When both are attached the client is announced to
// the others as connected, and when the push channel or the last channel goes
// away it is announced as disconnected. Client records are never removed.
//
// Texts arrive on the request channel, are appended to the message log and
// are written to every other client's push channel. An Identity claim on the
// request channel looks up another client's author.
//
// Usage
//
//	reg, err := registry.Open(".chatty_clients")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Close()
//
//	server := socketserver.NewServer(socketserver.Config{Addr: ":9983"}, reg)
//	if err := server.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package socketserver
