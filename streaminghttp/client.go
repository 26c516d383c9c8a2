package streaminghttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/session"
)

var (
	// ErrSessionExpired is reported when the server no longer knows the
	// session it issued. The client must initialize a new session.
	ErrSessionExpired = errors.New("streaminghttp: session expired")
	// ErrResumeImpossible is reported when a broken response stream cannot
	// be resumed, leaving requests that will never be answered.
	ErrResumeImpossible = errors.New("streaminghttp: stream resume impossible")
)

const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second

	maxSSELine = 4 << 20
)

var _ session.Transport = (*ClientTransport)(nil)

// ClientOption configures a ClientTransport.
type ClientOption func(*ClientTransport)

// WithHTTPClient sets the HTTP client. Defaults to http.DefaultClient.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(t *ClientTransport) { t.client = c }
}

// WithMaxRetries bounds consecutive failed attempts per operation.
func WithMaxRetries(n int) ClientOption {
	return func(t *ClientTransport) { t.maxRetries = n }
}

// WithInitialBackoff sets the delay before the first retry.
func WithInitialBackoff(d time.Duration) ClientOption {
	return func(t *ClientTransport) { t.initialBackoff = d }
}

// WithMaxBackoff caps the delay between retries.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(t *ClientTransport) { t.maxBackoff = d }
}

// WithHeader adds a header to every request, for example Authorization.
func WithHeader(key, value string) ClientOption {
	return func(t *ClientTransport) { t.header.Add(key, value) }
}

// WithClientLogger sets the logger. If not provided, logs are discarded.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(t *ClientTransport) { t.log = l }
}

// ClientTransport is a session.Transport speaking streamable HTTP to a
// remote MCP endpoint.
type ClientTransport struct {
	endpoint       string
	client         *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	header         http.Header
	log            *slog.Logger

	mu                sync.Mutex
	sessionID         string
	protocolVersion   string
	standaloneStarted bool

	inbound chan jsonrpc.Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
	cause     error
}

// NewClientTransport creates a transport posting to endpoint.
func NewClientTransport(endpoint string, opts ...ClientOption) *ClientTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &ClientTransport{
		endpoint:       endpoint,
		client:         http.DefaultClient,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		header:         make(http.Header),
		inbound:        make(chan jsonrpc.Message, inboundBuffer),
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = slog.New(slog.DiscardHandler)
	}
	t.log = logctx.Wrap(t.log)
	return t
}

// SessionID returns the session id issued by the server, if any.
func (t *ClientTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// SetProtocolVersion sends v as Mcp-Protocol-Version on subsequent requests.
func (t *ClientTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protocolVersion = v
	t.mu.Unlock()
}

func (t *ClientTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.closed:
		if t.cause != nil {
			return nil, t.cause
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write posts msg. It returns once the server has accepted it; replies
// carried on an SSE response are delivered to Read in the background.
func (t *ClientTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.closed:
		if t.cause != nil {
			return t.cause
		}
		return io.ErrClosedPipe
	default:
	}

	msgs, _, err := jsonrpc.DecodeMessages(msg)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	pending := make(map[string]struct{})
	for i := range msgs {
		if msgs[i].Type() == jsonrpc.TypeRequest {
			pending[msgs[i].ID.String()] = struct{}{}
		}
	}

	t.maybeStartStandalone()

	reqCtx, cancelReq := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, cancelReq)
	resp, err := t.doWithRetry(reqCtx, func(ctx context.Context) (*http.Request, error) {
		return t.newRequest(ctx, http.MethodPost, msg, "")
	})
	if !stop() {
		// The caller gave up before the server answered.
		if resp != nil {
			resp.Body.Close()
		}
		cancelReq()
		return ctx.Err()
	}
	if err != nil {
		cancelReq()
		return err
	}

	if err := t.checkStatus(resp); err != nil {
		resp.Body.Close()
		cancelReq()
		return err
	}
	t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		cancelReq()
		return nil
	case isEventStream(resp):
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer cancelReq()
			t.consumePostStream(reqCtx, resp, pending)
		}()
		return nil
	default:
		defer cancelReq()
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return t.deliver(body)
	}
}

// Close ends background streams and deletes the session on the server.
func (t *ClientTransport) Close() error {
	t.shutdown(nil, true)
	return nil
}

func (t *ClientTransport) shutdown(cause error, deleteSession bool) {
	t.closeOnce.Do(func() {
		t.cause = cause
		t.cancel()
		if sid := t.SessionID(); deleteSession && sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if req, err := t.newRequest(ctx, http.MethodDelete, nil, ""); err == nil {
				if resp, err := t.client.Do(req); err == nil {
					resp.Body.Close()
				} else {
					t.log.DebugContext(ctx, "client.delete.fail", slog.String("err", err.Error()))
				}
			}
		}
		close(t.closed)
	})
}

func (t *ClientTransport) fail(err error) {
	t.log.WarnContext(t.ctx, "client.transport.fail", slog.String("err", err.Error()))
	go t.shutdown(err, false)
}

func (t *ClientTransport) newRequest(ctx context.Context, method string, body []byte, lastEventID string) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range t.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	switch method {
	case http.MethodPost:
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
	case http.MethodGet:
		req.Header.Set("Accept", "text/event-stream")
	}
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, t.sessionID)
	}
	if t.protocolVersion != "" {
		req.Header.Set(mcpProtocolVersionHeader, t.protocolVersion)
	}
	t.mu.Unlock()
	return req, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// doWithRetry performs the request built by build, retrying network errors
// and transient statuses with exponential backoff.
func (t *ClientTransport) doWithRetry(ctx context.Context, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := t.client.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			err = fmt.Errorf("server answered %s", resp.Status)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= t.maxRetries {
			return nil, fmt.Errorf("%s %s: giving up after %d attempts: %w", req.Method, t.endpoint, attempt+1, err)
		}
		t.log.DebugContext(ctx, "client.request.retry", slog.Int("attempt", attempt+1), slog.String("err", err.Error()))
		if err := sleepCtx(ctx, t.backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

func (t *ClientTransport) backoff(attempt int) time.Duration {
	d := t.initialBackoff
	for i := 0; i < attempt && d < t.maxBackoff; i++ {
		d *= 2
	}
	if d > t.maxBackoff {
		d = t.maxBackoff
	}
	if d <= 0 {
		return 0
	}
	// Full jitter over the upper half keeps retries from synchronizing.
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkStatus maps non-success statuses to errors. A 404 for a session the
// server issued means it is gone for good.
func (t *ClientTransport) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound && resp.Request.Header.Get(mcpSessionIDHeader) != "" {
		t.fail(ErrSessionExpired)
		return ErrSessionExpired
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s %s: server answered %s: %s", resp.Request.Method, t.endpoint, resp.Status, strings.TrimSpace(string(body)))
}

func (t *ClientTransport) captureSession(resp *http.Response) {
	sid := resp.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		return
	}
	t.mu.Lock()
	if t.sessionID == "" {
		t.sessionID = sid
	}
	t.mu.Unlock()
}

func isEventStream(resp *http.Response) bool {
	return contenttype.NewMediaType(resp.Header.Get("Content-Type")).Matches(eventStreamMediaType)
}

func (t *ClientTransport) deliver(msg jsonrpc.Message) error {
	select {
	case t.inbound <- msg:
		return nil
	case <-t.ctx.Done():
		return io.ErrClosedPipe
	}
}

// streamState tracks what is needed to resume an SSE stream.
type streamState struct {
	lastEventID string
	retry       time.Duration
}

// readStream delivers every data event of body until it ends. onMessage is
// consulted after each message; when it reports true reading stops early.
func (t *ClientTransport) readStream(body io.Reader, st *streamState, onMessage func(jsonrpc.Message) bool) error {
	sc := newSSEScanner(body, maxSSELine)
	for {
		ev, err := sc.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ev.retry > 0 {
			st.retry = ev.retry
		}
		if ev.hasID {
			st.lastEventID = ev.id
		}
		if len(ev.data) == 0 || (ev.name != "" && ev.name != "message") {
			continue
		}
		msg := jsonrpc.Message(append([]byte(nil), ev.data...))
		if err := t.deliver(msg); err != nil {
			return err
		}
		if onMessage != nil && onMessage(msg) {
			return nil
		}
	}
}

// consumePostStream reads the SSE answer to a POST, resuming it with GET
// until every request it carried has been answered.
func (t *ClientTransport) consumePostStream(ctx context.Context, resp *http.Response, pending map[string]struct{}) {
	st := &streamState{}
	answered := func(msg jsonrpc.Message) bool {
		msgs, _, err := jsonrpc.DecodeMessages(msg)
		if err != nil {
			return false
		}
		for i := range msgs {
			if msgs[i].Type() == jsonrpc.TypeResponse {
				delete(pending, msgs[i].ID.String())
			}
		}
		return len(pending) == 0
	}

	// failures counts consecutive broken streams; a stream that ends cleanly
	// with requests outstanding is a polling hand-off, not a failure.
	failures := 0
	for {
		err := t.readStream(resp.Body, st, answered)
		resp.Body.Close()
		if len(pending) == 0 || ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			t.log.DebugContext(ctx, "client.stream.broken", slog.String("err", err.Error()))
		} else {
			failures = 0
		}
		if failures > t.maxRetries {
			t.fail(fmt.Errorf("%w: stream kept breaking after %d attempts", ErrResumeImpossible, failures))
			return
		}
		if st.lastEventID == "" {
			t.fail(fmt.Errorf("%w: stream ended without an event id", ErrResumeImpossible))
			return
		}

		delay := st.retry
		if err != nil || delay == 0 {
			delay = max(delay, t.backoff(failures))
		}
		if sleepCtx(ctx, delay) != nil {
			return
		}

		resp, err = t.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
			return t.newRequest(ctx, http.MethodGet, nil, st.lastEventID)
		})
		if err != nil {
			if ctx.Err() == nil {
				t.fail(err)
			}
			return
		}
		if resp.StatusCode == http.StatusBadRequest {
			resp.Body.Close()
			t.fail(fmt.Errorf("%w: server rejected Last-Event-ID %q", ErrResumeImpossible, st.lastEventID))
			return
		}
		if err := t.checkStatus(resp); err != nil {
			resp.Body.Close()
			if !errors.Is(err, ErrSessionExpired) {
				t.fail(err)
			}
			return
		}
	}
}

func (t *ClientTransport) maybeStartStandalone() {
	t.mu.Lock()
	start := t.sessionID != "" && !t.standaloneStarted
	if start {
		t.standaloneStarted = true
	}
	t.mu.Unlock()
	if !start {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runStandalone(t.ctx)
	}()
}

// runStandalone keeps a GET stream open for server-initiated messages. A
// server answering 405 does not offer one.
func (t *ClientTransport) runStandalone(ctx context.Context) {
	st := &streamState{}
	failures := 0
	for ctx.Err() == nil {
		resp, err := t.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
			return t.newRequest(ctx, http.MethodGet, nil, st.lastEventID)
		})
		if err != nil {
			if ctx.Err() == nil {
				t.fail(err)
			}
			return
		}
		switch {
		case resp.StatusCode == http.StatusMethodNotAllowed:
			resp.Body.Close()
			t.log.DebugContext(ctx, "client.standalone.unsupported")
			return
		case resp.StatusCode == http.StatusBadRequest && st.lastEventID != "":
			// The server cannot replay from there; start over live.
			resp.Body.Close()
			t.log.InfoContext(ctx, "client.standalone.resume_impossible", slog.String("last_event_id", st.lastEventID))
			st.lastEventID = ""
			continue
		case resp.StatusCode == http.StatusConflict:
			// Another standalone stream is attached for this session.
			resp.Body.Close()
			return
		}
		if err := t.checkStatus(resp); err != nil {
			resp.Body.Close()
			if !errors.Is(err, ErrSessionExpired) {
				t.fail(err)
			}
			return
		}

		err = t.readStream(resp.Body, st, nil)
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			t.log.DebugContext(ctx, "client.standalone.broken", slog.String("err", err.Error()))
		} else {
			failures = 0
		}
		if failures > t.maxRetries {
			t.fail(fmt.Errorf("standalone stream kept breaking after %d attempts", failures))
			return
		}
		delay := st.retry
		if delay == 0 {
			delay = t.backoff(failures)
		}
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}
