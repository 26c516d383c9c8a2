// Package mcpclient is the client side of an MCP session: it performs the
// initialize handshake over any session.Transport and exposes typed calls
// for the core methods.
//
//	t := streaminghttp.NewClientTransport("https://example.com/mcp")
//	c, err := mcpclient.Connect(ctx, t, mcp.ImplementationInfo{Name: "cli", Version: "1.0.0"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	tools, err := c.ListTools(ctx, "")
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/session"
)

var (
	// ErrInitializeTimeout is returned when the handshake does not finish
	// within the initialize timeout.
	ErrInitializeTimeout = errors.New("mcpclient: initialize timed out")
	// ErrUnsupportedProtocolVersion is returned when the server answers with
	// a protocol version the client cannot speak.
	ErrUnsupportedProtocolVersion = errors.New("mcpclient: unsupported protocol version")
)

// DefaultInitializeTimeout bounds the handshake when no timeout is set.
const DefaultInitializeTimeout = 60 * time.Second

// ProtocolVersionSetter is implemented by transports that carry the
// negotiated protocol version out of band, such as the streamable HTTP
// client sending Mcp-Protocol-Version.
type ProtocolVersionSetter interface {
	SetProtocolVersion(v string)
}

// Option configures Connect.
type Option func(*config)

type config struct {
	protocolVersion string
	pinned          bool
	timeout         time.Duration
	capabilities    mcp.ClientCapabilities
	setup           []func(*session.Session)
	sessionOpts     []session.Option
	log             *slog.Logger
}

// WithProtocolVersion requests v and insists the server agrees to exactly v.
func WithProtocolVersion(v string) Option {
	return func(c *config) {
		c.protocolVersion = v
		c.pinned = true
	}
}

// WithInitializeTimeout bounds the whole handshake. Defaults to
// DefaultInitializeTimeout.
func WithInitializeTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithCapabilities sets the capabilities advertised to the server.
func WithCapabilities(caps mcp.ClientCapabilities) Option {
	return func(c *config) { c.capabilities = caps }
}

// WithSetup registers fn to install handlers on the session before it starts.
func WithSetup(fn func(*session.Session)) Option {
	return func(c *config) { c.setup = append(c.setup, fn) }
}

// WithSessionOptions passes options through to session.New.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *config) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithLogger sets the logger used by the client and its session.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// Client is an initialized MCP session seen from the client side.
type Client struct {
	sess *session.Session
	init *mcp.InitializeResult
}

// Connect starts a session over t and performs the initialize handshake.
// ctx bounds the handshake only; the session lives until Close. A failed
// handshake tears the session down and is not retried.
func Connect(ctx context.Context, t session.Transport, info mcp.ImplementationInfo, opts ...Option) (*Client, error) {
	cfg := config{
		protocolVersion: mcp.LatestProtocolVersion,
		timeout:         DefaultInitializeTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.DiscardHandler)
	}

	sessOpts := append([]session.Option{session.WithLogger(cfg.log)}, cfg.sessionOpts...)
	sess := session.New(t, sessOpts...)
	sess.HandleFunc(string(mcp.PingMethod), func(context.Context, *jsonrpc.Request) (any, error) {
		return struct{}{}, nil
	})
	for _, fn := range cfg.setup {
		fn(sess)
	}
	sess.Start(context.WithoutCancel(ctx))

	res, err := handshake(ctx, sess, t, info, &cfg)
	if err != nil {
		sess.Close()
		return nil, err
	}
	cfg.log.InfoContext(ctx, "client.initialize.ok",
		slog.String("server", res.ServerInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion),
	)
	return &Client{sess: sess, init: res}, nil
}

func handshake(ctx context.Context, sess *session.Session, t session.Transport, info mcp.ImplementationInfo, cfg *config) (*mcp.InitializeResult, error) {
	hctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	timedOut := func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrInitializeTimeout, cfg.timeout)
		}
		return err
	}

	var res mcp.InitializeResult
	err := sess.Call(hctx, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: cfg.protocolVersion,
		Capabilities:    cfg.capabilities,
		ClientInfo:      info,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", timedOut(err))
	}

	if cfg.pinned && res.ProtocolVersion != cfg.protocolVersion {
		return nil, fmt.Errorf("%w: requested %q, server answered %q", ErrUnsupportedProtocolVersion, cfg.protocolVersion, res.ProtocolVersion)
	}
	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocolVersion, res.ProtocolVersion)
	}

	sess.SetProtocolVersion(res.ProtocolVersion)
	if pv, ok := t.(ProtocolVersionSetter); ok {
		pv.SetProtocolVersion(res.ProtocolVersion)
	}

	if err := sess.Notify(hctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", timedOut(err))
	}
	return &res, nil
}

// Session returns the underlying session, for custom methods.
func (c *Client) Session() *session.Session { return c.sess }

// InitializeResult returns the server's answer to initialize.
func (c *Client) InitializeResult() *mcp.InitializeResult { return c.init }

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.sess.Call(ctx, string(mcp.PingMethod), nil, nil)
}

// ListTools returns one page of tools starting at cursor.
func (c *Client) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	var res mcp.ListToolsResult
	if err := c.sess.Call(ctx, string(mcp.ToolsListMethod), &mcp.ListToolsRequest{
		PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor},
	}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool invokes the named tool. args is marshaled as the arguments
// object and may be nil.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{Name: name}
	if args != nil {
		raw, err := jsonrpc.Encode(args)
		if err != nil {
			return nil, err
		}
		req.Arguments = []byte(raw)
	}
	var res mcp.CallToolResult
	if err := c.sess.Call(ctx, string(mcp.ToolsCallMethod), &req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close ends the session and releases the transport.
func (c *Client) Close() error {
	return c.sess.Close()
}
