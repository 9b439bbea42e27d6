// Package socketclient provides the chat client.
//
// A Client keeps two TCP connections to the server:
//
//   - request channel: carries the client's own texts and author lookups,
//     and only ever receives replies to its own requests
//   - push channel: receives every other client's texts and presence changes
//
// The first Connect introduces the author and stores the issued identity in
// the identity file; later runs claim that identity instead. Everything
// received on the push channel is appended to a local message log that a
// renderer can Walk.
//
// When either channel fails, or a request gets no reply within
// RequestTimeout, the client drops both channels, reports StateReconnecting
// and retries the handshake at a fixed interval until it succeeds or Close is
// called. Texts sent meanwhile fail with ErrNotConnected.
//
// The message callback runs on the goroutine reading the push channel, so it
// must not block on the request channel. Use CachedAuthor there and resolve
// misses with Author elsewhere.
//
// Basic Usage
//
//	client := socketclient.NewClient(socketclient.Config{
//	    Addr:         "127.0.0.1:9983",
//	    Author:       "alice",
//	    IdentityPath: "_id",
//	})
//
//	client.SetMessageCallback(func(m protocol.Message) {
//	    if text, ok := m.Body.(protocol.Text); ok {
//	        author, ok := client.CachedAuthor(m.Header.ID)
//	        if !ok {
//	            go client.Author(m.Header.ID)
//	        }
//	        fmt.Printf("[%s]: %s\n", author, text)
//	    }
//	})
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.SendText("hi"); err != nil {
//	    log.Println(err)
//	}
package socketclient
