package streaminghttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/auth/authtest"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/mcpclient"
	"github.com/stretchr/testify/require"
)

var testClientInfo = mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"}

func fastClient(url string, opts ...ClientOption) *ClientTransport {
	base := []ClientOption{
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(10 * time.Millisecond),
	}
	return NewClientTransport(url, append(base, opts...)...)
}

func TestClientTransport_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEnv(t)

	tr := fastClient(e.url)
	c, err := mcpclient.Connect(ctx, tr, testClientInfo)
	require.NoError(t, err)
	require.NotEmpty(t, tr.SessionID())
	require.Equal(t, mcp.LatestProtocolVersion, c.InitializeResult().ProtocolVersion)

	require.NoError(t, c.Ping(ctx))

	tools, err := c.ListTools(ctx, "")
	require.NoError(t, err)
	require.Len(t, tools.Tools, 4)

	res, err := c.CallTool(ctx, "echo", map[string]string{"message": "over http"})
	require.NoError(t, err)
	require.Equal(t, "over http", res.Content[0].Text)

	res, err = c.CallTool(ctx, "progress", nil)
	require.NoError(t, err)
	require.Equal(t, "done", res.Content[0].Text)

	require.Equal(t, 1, e.h.SessionCount())
	require.NoError(t, c.Close())
	require.Equal(t, 0, e.h.SessionCount())
}

func TestClientTransport_ResumesPolledStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEnv(t)

	c, err := mcpclient.Connect(ctx, fastClient(e.url), testClientInfo)
	require.NoError(t, err)
	defer c.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(e.release)
	}()

	res, err := c.CallTool(ctx, "poll", nil)
	require.NoError(t, err)
	require.Equal(t, "polled", res.Content[0].Text)
}

func TestClientTransport_ServerInitiatedRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEnv(t)

	c, err := mcpclient.Connect(ctx, fastClient(e.url), testClientInfo)
	require.NoError(t, err)
	defer c.Close()
	sess := <-e.sessions

	// The request rides the standalone stream; the reply comes back as a POST.
	require.NoError(t, sess.Call(ctx, string(mcp.PingMethod), nil, nil))
}

func TestClientTransport_SessionExpired(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEnv(t)

	c, err := mcpclient.Connect(ctx, fastClient(e.url), testClientInfo)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, e.h.Close())

	err = c.Ping(ctx)
	require.ErrorIs(t, err, ErrSessionExpired)

	select {
	case <-c.Session().Done():
	case <-ctx.Done():
		t.Fatal("client session survived an expired server session")
	}
	require.ErrorIs(t, c.Session().Err(), ErrSessionExpired)
}

func TestClientTransport_Stateless(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEnv(t, WithStateless())

	tr := fastClient(e.url)
	c, err := mcpclient.Connect(ctx, tr, testClientInfo)
	require.NoError(t, err)
	defer c.Close()
	require.Empty(t, tr.SessionID())

	res, err := c.CallTool(ctx, "echo", map[string]string{"message": "stateless"})
	require.NoError(t, err)
	require.Equal(t, "stateless", res.Content[0].Text)
}

func TestClientTransport_RetriesTransientFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEnv(t)

	var failures atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		e.h.ServeHTTP(w, r)
	}))
	defer flaky.Close()

	c, err := mcpclient.Connect(ctx, fastClient(flaky.URL+endpoint), testClientInfo)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(ctx))
}

func TestClientTransport_GivesUpAfterMaxRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var attempts atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	_, err := mcpclient.Connect(ctx, fastClient(down.URL, WithMaxRetries(2)), testClientInfo)
	require.Error(t, err)
	require.EqualValues(t, 3, attempts.Load())
}

func TestClientTransport_Header(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEnv(t, WithAuthenticator(authtest.TokenAuth{"secret": "alice"}))

	_, err := mcpclient.Connect(ctx, fastClient(e.url), testClientInfo)
	require.Error(t, err)

	c, err := mcpclient.Connect(ctx, fastClient(e.url, WithHeader("Authorization", "Bearer secret")), testClientInfo)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(ctx))
}

func TestBackoffBounds(t *testing.T) {
	tr := NewClientTransport("http://example.invalid", WithInitialBackoff(100*time.Millisecond), WithMaxBackoff(time.Second))
	for attempt := 0; attempt < 10; attempt++ {
		want := min(100*time.Millisecond<<attempt, time.Second)
		got := tr.backoff(attempt)
		require.GreaterOrEqual(t, got, want/2, "attempt %d", attempt)
		require.LessOrEqual(t, got, want, "attempt %d", attempt)
	}
}
