package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/session"
)

var errNotInitialized = jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "session not initialized")

var _ session.Registry = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithTool registers a tool with a hand-written input schema. New panics
// if the name or schema is invalid.
func WithTool(name, description string, schema mcp.ToolInputSchema, fn ToolFunc) Option {
	return func(s *Server) {
		s.tools.mustPut(Tool{
			Descriptor: mcp.Tool{Name: name, Description: description, InputSchema: schema},
			Fn:         fn,
		})
	}
}

// WithTools replaces the tool set with ts, which callers may keep mutating.
// Options applied after it add to ts.
func WithTools(ts *Tools) Option {
	return func(s *Server) { s.tools = ts }
}

// WithInstructions sets the human-readable instructions returned from
// initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithPageSize sets how many tools each tools/list page holds.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Server answers the MCP lifecycle and tool methods for any number of
// sessions.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	pageSize     int
	tools        *Tools
}

// New builds a server identifying itself as info.
func New(info mcp.ImplementationInfo, opts ...Option) *Server {
	s := &Server{
		info:     info,
		pageSize: DefaultPageSize,
		tools:    NewTools(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// Tools returns the live tool set.
func (s *Server) Tools() *Tools { return s.tools }

// Serve installs the server's handlers on sess, which must not have been
// started yet. It matches streaminghttp.SessionSetup.
func (s *Server) Serve(ctx context.Context, sess *session.Session) error {
	for _, method := range s.Methods() {
		sess.HandleFunc(method, func(ctx context.Context, req *jsonrpc.Request) (any, error) {
			return s.Invoke(ctx, sess.User(), req.Method, req.Params)
		})
	}
	sess.HandleNotification(string(mcp.InitializedNotificationMethod), session.NotificationHandlerFunc(func(ctx context.Context, _ *jsonrpc.Request) error {
		s.log.DebugContext(ctx, "session.initialized", slog.String("protocol_version", sess.ProtocolVersion()))
		return nil
	}))

	changes, stop := s.tools.Subscribe()
	go func() {
		defer stop()
		for {
			select {
			case <-sess.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if sess.ProtocolVersion() == "" {
					continue
				}
				if err := sess.Notify(ctx, string(mcp.ToolsListChangedNotificationMethod), nil); err != nil {
					s.log.DebugContext(ctx, "tools.list_changed.fail", slog.String("err", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Methods implements session.Registry.
func (s *Server) Methods() []string {
	return []string{
		string(mcp.InitializeMethod),
		string(mcp.PingMethod),
		string(mcp.ToolsListMethod),
		string(mcp.ToolsCallMethod),
	}
}

// Invoke implements session.Registry. The session is taken from ctx;
// without one, initialization state is not enforced.
func (s *Server) Invoke(ctx context.Context, user auth.UserInfo, method string, params json.RawMessage) (any, error) {
	sess, _ := session.FromContext(ctx)

	switch mcp.Method(method) {
	case mcp.InitializeMethod:
		return s.initialize(ctx, sess, params)
	case mcp.PingMethod:
		return struct{}{}, nil
	}

	if sess != nil && sess.ProtocolVersion() == "" {
		return nil, errNotInitialized
	}

	switch mcp.Method(method) {
	case mcp.ToolsListMethod:
		return s.listTools(params)
	case mcp.ToolsCallMethod:
		return s.callTool(ctx, user, params)
	}
	return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "Method not found")
}

// negotiate echoes a supported requested version and otherwise offers the
// latest one, leaving the client to disconnect if it cannot speak it.
func negotiate(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

func (s *Server) initialize(ctx context.Context, sess *session.Session, params json.RawMessage) (*mcp.InitializeResult, error) {
	var req mcp.InitializeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
	}

	version := negotiate(req.ProtocolVersion)
	if sess != nil {
		sess.SetProtocolVersion(version)
	}
	s.log.InfoContext(ctx, "session.initialize",
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version),
		slog.String("requested", req.ProtocolVersion),
		slog.String("negotiated", version),
	)

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: true},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) listTools(params json.RawMessage) (*mcp.ListToolsResult, error) {
	var req mcp.ListToolsRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid tools/list params")
		}
	}
	items, next, err := page(s.tools.Snapshot(), req.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListToolsResult{Tools: items, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}

func (s *Server) callTool(ctx context.Context, user auth.UserInfo, params json.RawMessage) (*mcp.CallToolResult, error) {
	var req mcp.CallToolRequest
	if err := json.Unmarshal(params, &req); err != nil || req.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params")
	}
	s.log.DebugContext(ctx, "tools.call", slog.String("tool", req.Name), slog.String("user_id", auth.UserID(user)))
	return s.tools.Call(ctx, req.Name, req.Arguments)
}
