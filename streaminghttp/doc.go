// Package streaminghttp implements the MCP streamable HTTP transport on both
// sides of the wire.
//
// # Server
//
// Handler mounts as a standard net/http handler. Each client session is a
// session.Session whose transport appends every outbound message to an
// eventstore.Store before it is written to an SSE response, so a client
// whose connection drops can reconnect with Last-Event-ID and receive what
// it missed.
//
//	store := memorystore.New()
//	srv := mcpserver.New(mcp.ImplementationInfo{Name: "demo", Version: "1.0.0"},
//		mcpserver.WithTool("echo", "Echo the input", echoSchema, echo),
//	)
//	h, err := streaminghttp.New("/mcp", store, srv.Serve)
//	if err != nil {
//		log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", h)
//
// POST carries client messages. A body holding requests is answered with an
// SSE stream carrying the replies and whatever the handlers emit while
// serving them; the stream ends once every request is answered. A handler
// may call EnablePolling to end the response early and let the client
// collect the rest with GET.
//
// GET without Last-Event-ID attaches to the session's standalone stream of
// server-initiated messages; only one may be attached at a time. GET with
// Last-Event-ID replays the identified stream and answers 400 when that is
// not possible. DELETE ends the session.
//
// # Client
//
// ClientTransport implements session.Transport against a remote endpoint.
// It resumes broken response streams, retries transient failures with
// bounded exponential backoff and reports an expired session with
// ErrSessionExpired.
//
// # Scaling
//
// Sessions are held in process. Run several instances behind
// affinity.Router with a shared Redis event store to keep each session on
// the instance holding it.
package streaminghttp
