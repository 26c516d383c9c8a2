package mcpclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/mcpclient"
	"github.com/ggoodman/mcp-session-go/mcpserver"
	"github.com/ggoodman/mcp-session-go/session"
	"github.com/stretchr/testify/require"
)

var clientInfo = mcp.ImplementationInfo{Name: "test-client", Version: "0.0.1"}

// versionRecorder is a transport that remembers the negotiated version.
type versionRecorder struct {
	session.Transport
	mu      sync.Mutex
	version string
}

func (v *versionRecorder) SetProtocolVersion(pv string) {
	v.mu.Lock()
	v.version = pv
	v.mu.Unlock()
}

func (v *versionRecorder) get() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// serve starts a server session over one end of a pipe and returns the
// other end for the client.
func serve(t *testing.T, setup func(*session.Session)) (session.Transport, *session.Session) {
	t.Helper()
	ct, st := session.NewPipe()
	server := session.New(st)
	setup(server)
	server.Start(context.Background())
	t.Cleanup(func() { server.Close() })
	return ct, server
}

func TestConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := mcpserver.New(mcp.ImplementationInfo{Name: "srv", Version: "1"},
		mcpserver.WithTool("greet", "Say hello", mcp.ObjectSchema(map[string]mcp.SchemaProperty{"name": {Type: "string"}}),
			mcpserver.Typed(func(ctx context.Context, a struct {
				Name string `json:"name"`
			}) (*mcp.CallToolResult, error) {
				return mcp.TextResult("hello " + a.Name), nil
			}),
		),
	)
	ct, server := serve(t, func(s *session.Session) { require.NoError(t, srv.Serve(ctx, s)) })
	rec := &versionRecorder{Transport: ct}

	c, err := mcpclient.Connect(ctx, rec, clientInfo)
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, mcp.LatestProtocolVersion, c.InitializeResult().ProtocolVersion)
	require.Equal(t, mcp.LatestProtocolVersion, c.Session().ProtocolVersion())
	require.Equal(t, mcp.LatestProtocolVersion, rec.get())
	require.Equal(t, mcp.LatestProtocolVersion, server.ProtocolVersion())

	require.NoError(t, c.Ping(ctx))

	tools, err := c.ListTools(ctx, "")
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	require.Equal(t, "greet", tools.Tools[0].Name)

	res, err := c.CallTool(ctx, "greet", map[string]string{"name": "world"})
	require.NoError(t, err)
	require.Equal(t, "hello world", res.Content[0].Text)

	_, err = c.CallTool(ctx, "missing", nil)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, rpcErr.Code)
}

func TestConnect_ServerCanPingClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := mcpserver.New(mcp.ImplementationInfo{Name: "srv", Version: "1"})
	ct, server := serve(t, func(s *session.Session) { require.NoError(t, srv.Serve(ctx, s)) })

	c, err := mcpclient.Connect(ctx, ct, clientInfo)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, server.Call(ctx, string(mcp.PingMethod), nil, nil))
}

func answerInitialize(version string) func(*session.Session) {
	return func(s *session.Session) {
		s.HandleFunc(string(mcp.InitializeMethod), func(context.Context, *jsonrpc.Request) (any, error) {
			return &mcp.InitializeResult{ProtocolVersion: version, ServerInfo: mcp.ImplementationInfo{Name: "odd"}}, nil
		})
	}
}

func TestConnect_PinnedVersionMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ct, server := serve(t, answerInitialize("2025-03-26"))
	_, err := mcpclient.Connect(ctx, ct, clientInfo, mcpclient.WithProtocolVersion("2025-06-18"))
	require.ErrorIs(t, err, mcpclient.ErrUnsupportedProtocolVersion)

	// The failed handshake tears the client down, which the server sees.
	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server session still open after failed handshake")
	}
}

func TestConnect_UnknownVersion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ct, _ := serve(t, answerInitialize("1999-01-01"))
	_, err := mcpclient.Connect(ctx, ct, clientInfo)
	require.ErrorIs(t, err, mcpclient.ErrUnsupportedProtocolVersion)
}

func TestConnect_OlderSupportedVersionAccepted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ct, _ := serve(t, answerInitialize("2025-03-26"))
	c, err := mcpclient.Connect(ctx, ct, clientInfo)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "2025-03-26", c.Session().ProtocolVersion())
}

func TestConnect_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ct, server := serve(t, func(s *session.Session) {
		s.HandleFunc(string(mcp.InitializeMethod), func(ctx context.Context, _ *jsonrpc.Request) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	start := time.Now()
	_, err := mcpclient.Connect(ctx, ct, clientInfo, mcpclient.WithInitializeTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, mcpclient.ErrInitializeTimeout)
	require.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server session still open after timeout")
	}
}

func TestConnect_CallerCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ct, _ := serve(t, func(s *session.Session) {
		s.HandleFunc(string(mcp.InitializeMethod), func(ctx context.Context, _ *jsonrpc.Request) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	_, err := mcpclient.Connect(ctx, ct, clientInfo)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, mcpclient.ErrInitializeTimeout))
}
