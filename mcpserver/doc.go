// Package mcpserver answers the MCP lifecycle and tool methods on top of a
// session.Session.
//
// A Server negotiates the protocol version during initialize, replies to
// ping, and serves tools/list and tools/call from a mutable Tools set. Any
// other request that arrives before initialize has been answered is
// rejected with -32600. Changes to the tool set are announced to every
// initialized session with notifications/tools/list_changed.
//
// Serve matches streaminghttp.SessionSetup, so a server plugs straight into
// the HTTP handler:
//
//	type EchoArgs struct {
//	    Message string `json:"message"`
//	}
//	srv := mcpserver.New(
//	    mcp.ImplementationInfo{Name: "example", Version: "1.0.0"},
//	    mcpserver.WithTool("echo", "Echo a message back",
//	        mcp.ObjectSchema(map[string]mcp.SchemaProperty{"message": {Type: "string"}}, "message"),
//	        mcpserver.Typed(func(ctx context.Context, a EchoArgs) (*mcp.CallToolResult, error) {
//	            return mcp.TextResult("you said: " + a.Message), nil
//	        }),
//	    ),
//	)
//	h, err := streaminghttp.New("/mcp", memorystore.New(), srv.Serve)
//
// A Server is also a session.Registry, for sessions built directly with
// session.WithRegistry.
package mcpserver
