// Package client is a Go client for a running agentdeck server.
//
// It covers the JSON API and the WebSocket transport, and is used by the
// CLI and by tests that drive a server end to end.
//
// # Basic Usage
//
// List live sessions and persisted transcripts:
//
//	c := client.New("http://localhost:8089")
//	list, err := c.ListSessions(ctx)
//
// # WebSocket Connection
//
// Attach to a session and follow its transcript:
//
//	conn, err := c.Connect(ctx, sessionID, client.Callbacks{
//	    OnMessage: func(sessionID string, msg protocol.Message) {
//	        fmt.Println(protocol.PlainText(msg))
//	    },
//	    OnStateChanged: func(sessionID string, st session.StateDelta) {
//	        if st.IsBusy != nil && !*st.IsBusy {
//	            fmt.Println("idle")
//	        }
//	    },
//	})
//	defer conn.Close()
//
//	conn.Chat("Hello, world!")
//
// An empty sessionID starts a new session; the agent assigns its id with
// the first turn.
//
// # Simplified Prompt Helper
//
// For simple request-response patterns, use PromptAndWait:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
//	defer cancel()
//
//	result, err := c.PromptAndWait(ctx, "", "Explain this code")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Text())
//
// # Thread Safety
//
// Client and Conn are safe for concurrent use. Callbacks are invoked from a
// single goroutine (the WebSocket read loop), so callback implementations
// must be thread-safe if they access shared state.
package client
