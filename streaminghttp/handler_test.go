package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/auth/authtest"
	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/eventstore/memorystore"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/mcpserver"
	"github.com/ggoodman/mcp-session-go/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const endpoint = "/mcp"

// env is a Handler mounted on a test server, serving a handful of tools
// whose behavior tests can steer.
type env struct {
	t        *testing.T
	srv      *httptest.Server
	h        *Handler
	url      string
	release  chan struct{}
	entered  chan struct{}
	sessions chan *session.Session
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	return newEnvWithStore(t, memorystore.New(), opts...)
}

func newEnvWithStore(t *testing.T, store eventstore.Store, opts ...Option) *env {
	t.Helper()
	e := &env{
		t:        t,
		release:  make(chan struct{}),
		entered:  make(chan struct{}, 4),
		sessions: make(chan *session.Session, 16),
	}

	noArgs := mcp.ObjectSchema(nil)
	srv := mcpserver.New(mcp.ImplementationInfo{Name: "test-server", Version: "1.0.0"},
		mcpserver.WithTool("echo", "Echo a message",
			mcp.ObjectSchema(map[string]mcp.SchemaProperty{"message": {Type: "string"}}, "message"),
			mcpserver.Typed(func(ctx context.Context, a struct {
				Message string `json:"message"`
			}) (*mcp.CallToolResult, error) {
				return mcp.TextResult(a.Message), nil
			}),
		),
		mcpserver.WithTool("progress", "Report progress, then finish", noArgs,
			func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
				sess, _ := session.FromContext(ctx)
				if err := sess.Notify(ctx, string(mcp.ProgressNotificationMethod), &mcp.ProgressNotificationParams{
					ProgressToken: "p1",
					Progress:      1,
				}); err != nil {
					return nil, err
				}
				return mcp.TextResult("done"), nil
			},
		),
		mcpserver.WithTool("poll", "Switch to polling, then wait for release", noArgs,
			func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
				if err := EnablePolling(ctx, 20*time.Millisecond); err != nil {
					return mcp.ErrorResult(err.Error()), nil
				}
				<-e.release
				return mcp.TextResult("polled"), nil
			},
		),
		mcpserver.WithTool("block", "Wait for release", noArgs,
			func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
				e.entered <- struct{}{}
				select {
				case <-e.release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return mcp.TextResult("unblocked"), nil
			},
		),
	)

	h, err := New(endpoint, store, func(ctx context.Context, sess *session.Session) error {
		if err := srv.Serve(ctx, sess); err != nil {
			return err
		}
		select {
		case e.sessions <- sess:
		default:
		}
		return nil
	}, opts...)
	require.NoError(t, err)

	e.h = h
	e.srv = httptest.NewServer(h)
	e.url = e.srv.URL + endpoint
	t.Cleanup(func() {
		e.srv.CloseClientConnections()
		e.srv.Close()
		_ = h.Close()
		_ = store.Close()
	})
	return e
}

func (e *env) do(method, url, body string, header map[string]string) *http.Response {
	e.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(e.t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	return resp
}

func (e *env) post(sid, pv, body string) *http.Response {
	e.t.Helper()
	hdr := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	}
	if sid != "" {
		hdr[mcpSessionIDHeader] = sid
	}
	if pv != "" {
		hdr[mcpProtocolVersionHeader] = pv
	}
	return e.do(http.MethodPost, e.url, body, hdr)
}

func (e *env) get(sid, lastEventID string) *http.Response {
	e.t.Helper()
	hdr := map[string]string{"Accept": "text/event-stream", mcpSessionIDHeader: sid}
	if lastEventID != "" {
		hdr[lastEventIDHeader] = lastEventID
	}
	return e.do(http.MethodGet, e.url, "", hdr)
}

func initializeBody(version string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`, version)
}

func callBody(id int, tool string, args string) string {
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, tool, args)
}

const initializedBody = `{"jsonrpc":"2.0","method":"notifications/initialized"}`

// initialize runs the handshake and returns the session id.
func (e *env) initialize(version string) string {
	e.t.Helper()
	resp := e.post("", "", initializeBody(version))
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	sid := resp.Header.Get(mcpSessionIDHeader)
	require.NotEmpty(e.t, sid)

	events := readEvents(e.t, resp)
	res := responses(e.t, events)
	require.Len(e.t, res, 1)
	require.Nil(e.t, res[0].Error)

	ack := e.post(sid, version, initializedBody)
	ack.Body.Close()
	require.Equal(e.t, http.StatusAccepted, ack.StatusCode)
	return sid
}

// readEvents consumes an SSE body to its end.
func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sc := newSSEScanner(resp.Body, 1<<20)
	var events []sseEvent
	for {
		ev, err := sc.next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

// responses decodes every event carrying a JSON-RPC response.
func responses(t *testing.T, events []sseEvent) []*jsonrpc.Response {
	t.Helper()
	var out []*jsonrpc.Response
	for _, ev := range events {
		if len(ev.data) == 0 {
			continue
		}
		var msg jsonrpc.AnyMessage
		require.NoError(t, json.Unmarshal(ev.data, &msg))
		if msg.Type() == jsonrpc.TypeResponse {
			out = append(out, msg.AsResponse())
		}
	}
	return out
}

func toolText(t *testing.T, resp *jsonrpc.Response) string {
	t.Helper()
	require.Nil(t, resp.Error)
	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.NotEmpty(t, res.Content)
	return res.Content[0].Text
}

func TestInitializeThenCallTool(t *testing.T) {
	e := newEnv(t)

	resp := e.post("", "", initializeBody(mcp.LatestProtocolVersion))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid := resp.Header.Get(mcpSessionIDHeader)
	require.NotEmpty(t, sid)

	events := readEvents(t, resp)
	// The version is not negotiated yet when the stream opens: no priming.
	require.Len(t, events, 1)
	res := responses(t, events)
	require.Len(t, res, 1)
	var init mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res[0].Result, &init))
	require.Equal(t, mcp.LatestProtocolVersion, init.ProtocolVersion)
	require.Equal(t, "test-server", init.ServerInfo.Name)

	ack := e.post(sid, mcp.LatestProtocolVersion, initializedBody)
	ack.Body.Close()
	require.Equal(t, http.StatusAccepted, ack.StatusCode)
	require.Equal(t, mcp.LatestProtocolVersion, ack.Header.Get(mcpProtocolVersionHeader))

	resp = e.post(sid, mcp.LatestProtocolVersion, callBody(2, "echo", `{"message":"hi"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events = readEvents(t, resp)
	require.Len(t, events, 2)

	prime := events[0]
	require.True(t, prime.hasID)
	require.NotEmpty(t, prime.id)
	require.Empty(t, prime.data)

	res = responses(t, events)
	require.Len(t, res, 1)
	require.Equal(t, "2", res[0].ID.String())
	require.Equal(t, "hi", toolText(t, res[0]))
	require.True(t, events[1].hasID)
}

func TestOlderProtocolGetsNoPriming(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize("2025-06-18")

	events := readEvents(t, e.post(sid, "2025-06-18", callBody(2, "echo", `{"message":"hi"}`)))
	require.Len(t, events, 1)
	require.Equal(t, "hi", toolText(t, responses(t, events)[0]))
}

func TestPostErrors(t *testing.T) {
	e := newEnv(t, WithMaxBodyBytes(1024))
	sid := e.initialize(mcp.LatestProtocolVersion)
	list := `{"jsonrpc":"2.0","id":9,"method":"tools/list"}`

	tests := []struct {
		name   string
		header map[string]string
		body   string
		want   int
	}{
		{
			name:   "wrong content type",
			header: map[string]string{"Content-Type": "text/plain", mcpSessionIDHeader: sid},
			body:   list,
			want:   http.StatusUnsupportedMediaType,
		},
		{
			name:   "unacceptable accept",
			header: map[string]string{"Content-Type": "application/json", "Accept": "text/html", mcpSessionIDHeader: sid},
			body:   list,
			want:   http.StatusNotAcceptable,
		},
		{
			name:   "no session and no initialize",
			header: map[string]string{"Content-Type": "application/json"},
			body:   list,
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown session",
			header: map[string]string{"Content-Type": "application/json", mcpSessionIDHeader: "nope"},
			body:   list,
			want:   http.StatusNotFound,
		},
		{
			name:   "invalid json",
			header: map[string]string{"Content-Type": "application/json", mcpSessionIDHeader: sid},
			body:   "{",
			want:   http.StatusBadRequest,
		},
		{
			name:   "empty batch",
			header: map[string]string{"Content-Type": "application/json", mcpSessionIDHeader: sid},
			body:   "[]",
			want:   http.StatusBadRequest,
		},
		{
			name:   "protocol version mismatch",
			header: map[string]string{"Content-Type": "application/json", mcpSessionIDHeader: sid, mcpProtocolVersionHeader: "2024-11-05"},
			body:   list,
			want:   http.StatusBadRequest,
		},
		{
			name:   "initialize again",
			header: map[string]string{"Content-Type": "application/json", mcpSessionIDHeader: sid},
			body:   initializeBody(mcp.LatestProtocolVersion),
			want:   http.StatusConflict,
		},
		{
			name:   "body too large",
			header: map[string]string{"Content-Type": "application/json", mcpSessionIDHeader: sid},
			body:   callBody(10, "echo", fmt.Sprintf(`{"message":%q}`, strings.Repeat("x", 2048))),
			want:   http.StatusRequestEntityTooLarge,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.do(http.MethodPost, e.url, tc.body, tc.header)
			defer resp.Body.Close()
			require.Equal(t, tc.want, resp.StatusCode)
			require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var body struct {
				Error struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, tc.want, body.Error.Code)
			require.NotEmpty(t, body.Error.Message)
		})
	}

	// The session survives every rejected request.
	events := readEvents(t, e.post(sid, mcp.LatestProtocolVersion, list))
	require.Len(t, responses(t, events), 1)
}

func TestBatchIsAnsweredOnOneStream(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize(mcp.LatestProtocolVersion)

	batch := "[" + callBody(2, "echo", `{"message":"a"}`) + `,{"jsonrpc":"2.0","id":"three","method":"ping"},{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":1,"progress":1}}]`
	events := readEvents(t, e.post(sid, mcp.LatestProtocolVersion, batch))

	ids := map[string]bool{}
	for _, r := range responses(t, events) {
		require.Nil(t, r.Error)
		ids[r.ID.String()] = true
	}
	require.Equal(t, map[string]bool{"2": true, "three": true}, ids)
}

func TestHandlerMessagesRideTheRequestStream(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize(mcp.LatestProtocolVersion)

	events := readEvents(t, e.post(sid, mcp.LatestProtocolVersion, callBody(2, "progress", "")))
	require.Len(t, events, 3)

	var progress jsonrpc.AnyMessage
	require.NoError(t, json.Unmarshal(events[1].data, &progress))
	require.Equal(t, string(mcp.ProgressNotificationMethod), progress.Method)
	require.Equal(t, "done", toolText(t, responses(t, events)[0]))
}

func TestDuplicateInFlightRequestID(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize(mcp.LatestProtocolVersion)

	first := make(chan []sseEvent, 1)
	go func() {
		resp := e.post(sid, mcp.LatestProtocolVersion, callBody(7, "block", ""))
		first <- readEvents(t, resp)
	}()
	<-e.entered

	dup := e.post(sid, mcp.LatestProtocolVersion, callBody(7, "echo", `{"message":"x"}`))
	dup.Body.Close()
	require.Equal(t, http.StatusConflict, dup.StatusCode)

	close(e.release)
	events := <-first
	res := responses(t, events)
	require.Len(t, res, 1)
	require.Equal(t, "unblocked", toolText(t, res[0]))
}

func TestStandaloneStream(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize(mcp.LatestProtocolVersion)
	sess := <-e.sessions

	resp := e.get(sid, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	sc := newSSEScanner(resp.Body, 1<<20)

	prime, err := sc.next()
	require.NoError(t, err)
	require.True(t, prime.hasID)
	require.Empty(t, prime.data)

	second := e.get(sid, "")
	second.Body.Close()
	require.Equal(t, http.StatusConflict, second.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Notify(ctx, "notifications/message", map[string]any{"level": "info", "data": "hello"}))

	ev, err := sc.next()
	require.NoError(t, err)
	var msg jsonrpc.AnyMessage
	require.NoError(t, json.Unmarshal(ev.data, &msg))
	require.Equal(t, "notifications/message", msg.Method)
}

func TestStandaloneStreamPicksUpWhereItLeftOff(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize("2025-06-18")
	sess := <-e.sessions

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Sent while no stream is attached: buffered for the next GET.
	require.NoError(t, sess.Notify(ctx, "notifications/message", map[string]any{"data": "early"}))

	resp := e.get(sid, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sc := newSSEScanner(resp.Body, 1<<20)
	ev, err := sc.next()
	require.NoError(t, err)
	require.Contains(t, string(ev.data), "early")
	resp.Body.Close()

	// The stream is released once the first GET is gone.
	var again *http.Response
	require.Eventually(t, func() bool {
		r := e.get(sid, "")
		if r.StatusCode == http.StatusOK {
			again = r
			return true
		}
		r.Body.Close()
		return false
	}, 2*time.Second, 10*time.Millisecond)
	defer again.Body.Close()

	require.NoError(t, sess.Notify(ctx, "notifications/message", map[string]any{"data": "late"}))

	// What the first GET delivered is not sent again.
	sc = newSSEScanner(again.Body, 1<<20)
	ev, err = sc.next()
	require.NoError(t, err)
	require.Contains(t, string(ev.data), "late")
}

func TestResume(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize(mcp.LatestProtocolVersion)

	events := readEvents(t, e.post(sid, mcp.LatestProtocolVersion, callBody(2, "progress", "")))
	require.Len(t, events, 3)

	t.Run("from priming event", func(t *testing.T) {
		replay := readEvents(t, e.get(sid, events[0].id))
		require.Len(t, replay, 2)
		require.Equal(t, events[1].id, replay[0].id)
		require.Equal(t, events[2].id, replay[1].id)
	})

	t.Run("from the middle", func(t *testing.T) {
		replay := readEvents(t, e.get(sid, events[1].id))
		require.Len(t, replay, 1)
		require.Equal(t, "done", toolText(t, responses(t, replay)[0]))
	})

	t.Run("impossible", func(t *testing.T) {
		resp := e.get(sid, "not-an-event-id")
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})
}

func TestPolling(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize(mcp.LatestProtocolVersion)

	events := readEvents(t, e.post(sid, mcp.LatestProtocolVersion, callBody(2, "poll", "")))
	require.Empty(t, responses(t, events))
	require.NotEmpty(t, events)
	prime := events[0]
	require.True(t, prime.hasID)
	last := events[len(events)-1]
	require.Equal(t, 20*time.Millisecond, last.retry)

	close(e.release)

	var got []*jsonrpc.Response
	require.Eventually(t, func() bool {
		got = responses(t, readEvents(t, e.get(sid, prime.id)))
		return len(got) > 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, "polled", toolText(t, got[0]))
}

func TestEnablePollingOutsideHTTP(t *testing.T) {
	require.ErrorIs(t, EnablePolling(context.Background(), time.Second), ErrNoStream)
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	sid := e.initialize(mcp.LatestProtocolVersion)
	sess := <-e.sessions
	require.Equal(t, 1, e.h.SessionCount())

	del := func() int {
		resp := e.do(http.MethodDelete, e.url, "", map[string]string{mcpSessionIDHeader: sid})
		resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusNoContent, del())
	require.Equal(t, http.StatusNotFound, del())
	require.Equal(t, 0, e.h.SessionCount())

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed")
	}

	resp := e.post(sid, mcp.LatestProtocolVersion, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatelessMode(t *testing.T) {
	e := newEnv(t, WithStateless())

	resp := e.post("", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get(mcpSessionIDHeader))
	res := responses(t, readEvents(t, resp))
	require.Len(t, res, 1)
	require.Nil(t, res[0].Error)
	var list mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(res[0].Result, &list))
	require.NotEmpty(t, list.Tools)

	resp = e.post("", "", initializeBody(mcp.LatestProtocolVersion))
	require.Empty(t, resp.Header.Get(mcpSessionIDHeader))
	require.Len(t, responses(t, readEvents(t, resp)), 1)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp := e.do(method, e.url, "", map[string]string{"Accept": "text/event-stream"})
		resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	}
	require.Equal(t, 0, e.h.SessionCount())
}

func TestLegacySSE(t *testing.T) {
	e := newEnv(t, WithLegacySSE())

	resp := e.do(http.MethodGet, e.srv.URL+endpoint+"/sse", "", map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	sc := newSSEScanner(resp.Body, 1<<20)

	ev, err := sc.next()
	require.NoError(t, err)
	require.Equal(t, "endpoint", ev.name)
	require.True(t, strings.HasPrefix(string(ev.data), endpoint+"/message?sessionId="), string(ev.data))
	messageURL := e.srv.URL + string(ev.data)

	postLegacy := func(body string) {
		resp := e.do(http.MethodPost, messageURL, body, map[string]string{"Content-Type": "application/json"})
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	postLegacy(initializeBody("2024-11-05"))
	ev, err = sc.next()
	require.NoError(t, err)
	res := responses(t, []sseEvent{ev})
	require.Len(t, res, 1)
	var init mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res[0].Result, &init))
	require.Equal(t, "2024-11-05", init.ProtocolVersion)

	postLegacy(initializedBody)
	postLegacy(callBody(2, "echo", `{"message":"legacy"}`))
	ev, err = sc.next()
	require.NoError(t, err)
	require.Equal(t, "legacy", toolText(t, responses(t, []sseEvent{ev})[0]))

	// Streamable sessions are not reachable through the legacy endpoint.
	sid := e.initialize(mcp.LatestProtocolVersion)
	bad := e.do(http.MethodPost, e.srv.URL+endpoint+"/message?sessionId="+sid, initializedBody, map[string]string{"Content-Type": "application/json"})
	bad.Body.Close()
	require.Equal(t, http.StatusNotFound, bad.StatusCode)
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t,
		WithAuthenticator(authtest.TokenAuth{"alice-token": "alice", "bob-token": "bob"}),
		WithAuthorizer(authtest.DenyMethods("tools/call")),
		WithRealm("mcp"),
		WithResourceMetadata("https://mcp.example.com/.well-known/oauth-protected-resource"),
	)

	post := func(token, sid, body string) *http.Response {
		hdr := map[string]string{"Content-Type": "application/json", "Accept": "application/json, text/event-stream"}
		if token != "" {
			hdr["Authorization"] = token
		}
		if sid != "" {
			hdr[mcpSessionIDHeader] = sid
		}
		return e.do(http.MethodPost, e.url, body, hdr)
	}

	resp := post("", "", initializeBody(mcp.LatestProtocolVersion))
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get(wwwAuthenticateHeader), "Bearer"))
	require.Contains(t, resp.Header.Get(wwwAuthenticateHeader), `realm="mcp"`)
	require.Contains(t, resp.Header.Get(wwwAuthenticateHeader), `resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`)

	resp = post("Bearer wrong", "", initializeBody(mcp.LatestProtocolVersion))
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get(wwwAuthenticateHeader), "invalid_token")

	resp = post("Basic Zm9vOmJhcg==", "", initializeBody(mcp.LatestProtocolVersion))
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post("Bearer alice-token", "", initializeBody(mcp.LatestProtocolVersion))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid := resp.Header.Get(mcpSessionIDHeader)
	readEvents(t, resp)

	resp = post("Bearer bob-token", sid, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	res := responses(t, readEvents(t, post("Bearer alice-token", sid, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)))
	require.Len(t, res, 1)
	require.Nil(t, res[0].Error)

	res = responses(t, readEvents(t, post("Bearer alice-token", sid, callBody(4, "echo", `{"message":"x"}`))))
	require.Len(t, res, 1)
	require.NotNil(t, res[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeUnauthorized, res[0].Error.Code)
}

func TestKeepAlive(t *testing.T) {
	e := newEnv(t, WithKeepAlive(20*time.Millisecond))
	sid := e.initialize("2025-06-18")

	resp := e.get(sid, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		br := bufio.NewReader(resp.Body)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
		}
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended before a keep-alive")
			if strings.HasPrefix(line, ":") {
				return
			}
		case <-timeout:
			t.Fatal("no keep-alive comment")
		}
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	e := newEnv(t, WithSessionIdleTimeout(50*time.Millisecond))
	sid := e.initialize(mcp.LatestProtocolVersion)

	require.Eventually(t, func() bool { return e.h.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	resp := e.post(sid, mcp.LatestProtocolVersion, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerClose(t *testing.T) {
	e := newEnv(t)
	e.initialize(mcp.LatestProtocolVersion)
	e.initialize("2025-03-26")
	require.Equal(t, 2, e.h.SessionCount())

	require.NoError(t, e.h.Close())
	require.Equal(t, 0, e.h.SessionCount())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newEnv(t, WithMetrics(reg))
	sid := e.initialize(mcp.LatestProtocolVersion)
	readEvents(t, e.post(sid, mcp.LatestProtocolVersion, callBody(2, "echo", `{"message":"m"}`)))

	require.Equal(t, 1.0, gatherValue(t, reg, "mcp_http_sessions_active"))
	require.GreaterOrEqual(t, gatherValue(t, reg, "mcp_http_sse_events_total"), 2.0)
	require.GreaterOrEqual(t, gatherValue(t, reg, "mcp_http_requests_total"), 3.0)
}

// gatherValue sums every sample of the named counter or gauge.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range fam.GetMetric() {
			sum += m.GetGauge().GetValue() + m.GetCounter().GetValue()
		}
		return sum
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestNewValidation(t *testing.T) {
	store := memorystore.New()
	defer store.Close()
	setup := func(context.Context, *session.Session) error { return nil }

	_, err := New("mcp", store, setup)
	require.Error(t, err)
	_, err = New("/mcp", nil, setup)
	require.Error(t, err)
	_, err = New("/mcp", store, nil)
	require.Error(t, err)
}

func TestSessionSetupFailure(t *testing.T) {
	store := memorystore.New()
	defer store.Close()
	h, err := New(endpoint, store, func(context.Context, *session.Session) error {
		return errors.New("nope")
	})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+endpoint, strings.NewReader(initializeBody(mcp.LatestProtocolVersion)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, 0, h.SessionCount())
}

var errStoreDown = errors.New("store unavailable")

// brokenStore refuses to persist messages. Control events still succeed so
// streams are primed as usual.
type brokenStore struct {
	eventstore.Store
	failSeal bool
}

func (s *brokenStore) CreateStream(ctx context.Context, sessionID, streamID string) (eventstore.Writer, error) {
	w, err := s.Store.CreateStream(ctx, sessionID, streamID)
	if err != nil {
		return nil, err
	}
	return &brokenWriter{Writer: w, failSeal: s.failSeal}, nil
}

type brokenWriter struct {
	eventstore.Writer
	failSeal bool
}

func (w *brokenWriter) Append(ctx context.Context, payload jsonrpc.Message) (eventstore.Event, error) {
	if payload != nil {
		return eventstore.Event{}, errStoreDown
	}
	return w.Writer.Append(ctx, payload)
}

func (w *brokenWriter) Seal(ctx context.Context) error {
	if w.failSeal {
		return errStoreDown
	}
	return w.Writer.Seal(ctx)
}

func TestRepliesReachClientWhenStoreFails(t *testing.T) {
	for _, tc := range []struct {
		name     string
		failSeal bool
	}{
		{name: "append fails", failSeal: false},
		{name: "append and seal fail", failSeal: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnvWithStore(t, &brokenStore{Store: memorystore.New(), failSeal: tc.failSeal})
			sid := e.initialize(mcp.LatestProtocolVersion)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json, text/event-stream")
			req.Header.Set(mcpSessionIDHeader, sid)
			req.Header.Set(mcpProtocolVersionHeader, mcp.LatestProtocolVersion)
			resp, err := e.srv.Client().Do(req)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			events := readEvents(t, resp)
			res := responses(t, events)
			require.Len(t, res, 1)
			require.Equal(t, "7", res[0].ID.String())
			require.Nil(t, res[0].Error)
			// Unpersisted frames cannot be resumed from, so they carry no id.
			require.False(t, events[len(events)-1].hasID)
		})
	}
}

func TestStandaloneStreamWhenStoreFails(t *testing.T) {
	e := newEnvWithStore(t, &brokenStore{Store: memorystore.New()})
	sid := e.initialize(mcp.LatestProtocolVersion)
	sess := <-e.sessions

	resp := e.get(sid, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	sc := newSSEScanner(resp.Body, 1<<20)

	prime, err := sc.next()
	require.NoError(t, err)
	require.True(t, prime.hasID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Notify(ctx, "notifications/message", map[string]any{"level": "info", "data": "hello"}))

	ev, err := sc.next()
	require.NoError(t, err)
	require.False(t, ev.hasID)
	var msg jsonrpc.AnyMessage
	require.NoError(t, json.Unmarshal(ev.data, &msg))
	require.Equal(t, "notifications/message", msg.Method)
}
