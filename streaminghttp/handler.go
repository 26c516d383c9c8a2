package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/felixge/httpsnoop"
	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/internal/metrics"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/session"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	postAcceptMediaTypes  = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
	sessionIDQueryParam      = "sessionId"

	// assumedProtocolVersion applies to stateless requests that carry no
	// Mcp-Protocol-Version header.
	assumedProtocolVersion = "2025-03-26"
)

// SessionSetup installs handlers on a newly created session before its
// receive loop starts. ctx lives as long as the session.
type SessionSetup func(ctx context.Context, sess *session.Session) error

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Handler implements the streamable HTTP transport of the Model Context
// Protocol on top of session.Session, persisting every outbound message in an
// eventstore.Store so that clients can resume broken streams.
type Handler struct {
	path  string
	store eventstore.Store
	setup SessionSetup
	mux   *http.ServeMux

	log              *slog.Logger
	authn            auth.Authenticator
	authz            auth.Authorizer
	realm            string
	resourceMetadata string
	stateless        bool
	legacy           bool
	metrics          *metrics.HTTP
	idleTimeout      time.Duration
	keepAlive        time.Duration
	maxBody          int64

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// liveSession is a session held by this process.
type liveSession struct {
	id     string
	userID string
	sess   *session.Session
	tr     *serverTransport
	legacy bool

	// attached is set while a GET without Last-Event-ID streams the
	// standalone stream.
	attached atomic.Bool

	mu        sync.Mutex
	active    int
	idle      *time.Timer
	idleAfter time.Duration

	retireOnce sync.Once
}

// New constructs a Handler serving the MCP endpoint at endpointPath.
func New(endpointPath string, store eventstore.Store, setup SessionSetup, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if setup == nil {
		return nil, fmt.Errorf("session setup is required")
	}
	if !strings.HasPrefix(endpointPath, "/") {
		return nil, fmt.Errorf("endpoint path must be absolute, got %q", endpointPath)
	}

	h := &Handler{
		path:        endpointPath,
		store:       store,
		setup:       setup,
		idleTimeout: DefaultSessionIdleTimeout,
		keepAlive:   DefaultKeepAlive,
		maxBody:     DefaultMaxBodyBytes,
		sessions:    make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	h.log = logctx.Wrap(h.log)

	pattern := endpointPath
	if pattern == "/" {
		pattern = "/{$}"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+pattern, h.handlePost)
	if h.stateless {
		mux.HandleFunc("GET "+pattern, h.handleMethodNotAllowed)
		mux.HandleFunc("DELETE "+pattern, h.handleMethodNotAllowed)
	} else {
		mux.HandleFunc("GET "+pattern, h.handleGet)
		mux.HandleFunc("DELETE "+pattern, h.handleDelete)
	}
	if h.legacy && !h.stateless {
		base := strings.TrimSuffix(endpointPath, "/")
		mux.HandleFunc("GET "+base+"/sse", h.handleLegacySSE)
		mux.HandleFunc("POST "+base+"/message", h.handleLegacyMessage)
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	m := httpsnoop.CaptureMetricsFn(w, func(ww http.ResponseWriter) {
		h.mux.ServeHTTP(ww, r.WithContext(ctx))
	})
	h.metrics.Request(r.Method, strconv.Itoa(m.Code), m.Duration)
}

// Close terminates every session held by the handler.
func (h *Handler) Close() error {
	h.mu.Lock()
	live := make([]*liveSession, 0, len(h.sessions))
	for _, ls := range h.sessions {
		live = append(live, ls)
	}
	h.mu.Unlock()
	for _, ls := range live {
		h.retire(ls, "shutdown")
	}
	return nil
}

// SessionCount reports how many sessions the handler currently holds.
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed on a stateless server")
}

// handlePost accepts client messages. A body holding requests is answered
// with an SSE stream; notifications and responses alone are acknowledged
// with 202.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, postAcceptMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
	}

	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	body, msgs, ok := h.readMessages(ctx, w, r)
	if !ok {
		return
	}

	if h.stateless {
		pv := r.Header.Get(mcpProtocolVersionHeader)
		if pv == "" && !containsInitialize(msgs) {
			pv = assumedProtocolVersion
		}
		ls, err := h.createSession(ctx, user, pv, false)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
		defer h.retire(ls, "stateless")
		h.servePost(ctx, w, ls, body, msgs)
		h.log.DebugContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	var ls *liveSession
	if sid := r.Header.Get(mcpSessionIDHeader); sid == "" {
		if !containsInitialize(msgs) {
			writeJSONError(w, http.StatusBadRequest, "missing session id: expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.missing")
			return
		}
		ls, err = h.createSession(ctx, user, "", false)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpSessionIDHeader, ls.id)
	} else {
		if ls = h.lookup(ctx, w, r, sid, user); ls == nil {
			return
		}
		if containsInitialize(msgs) {
			writeJSONError(w, http.StatusConflict, "session already initialized")
			h.log.WarnContext(ctx, "session.initialize.redundant")
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       ls.id,
		UserID:          ls.userID,
		ProtocolVersion: ls.sess.ProtocolVersion(),
	})
	ls.begin()
	defer ls.end()
	h.servePost(ctx, w, ls, body, msgs)
	h.log.DebugContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) readMessages(ctx context.Context, w http.ResponseWriter, r *http.Request) ([]byte, []jsonrpc.AnyMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return nil, nil, false
	}
	msgs, _, err := jsonrpc.DecodeMessages(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return nil, nil, false
	}
	if len(msgs) == 1 {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msgs[0].Method, ID: msgs[0].ID.String(), Type: msgs[0].Type()})
		h.log.DebugContext(ctx, "jsonrpc.message.inbound")
	}
	return body, msgs, true
}

func containsInitialize(msgs []jsonrpc.AnyMessage) bool {
	for i := range msgs {
		if msgs[i].Method == string(mcp.InitializeMethod) && msgs[i].Type() == jsonrpc.TypeRequest {
			return true
		}
	}
	return false
}

// servePost hands the body to the session and, when it carries requests,
// streams the related outbound messages until every request is answered.
func (h *Handler) servePost(ctx context.Context, w http.ResponseWriter, ls *liveSession, body []byte, msgs []jsonrpc.AnyMessage) {
	var ids []*jsonrpc.RequestID
	for i := range msgs {
		if msgs[i].Type() == jsonrpc.TypeRequest {
			ids = append(ids, msgs[i].ID)
		}
	}

	if len(ids) == 0 {
		if err := ls.tr.deliver(ctx, body); err != nil {
			writeJSONError(w, http.StatusNotFound, "session closed")
			h.log.InfoContext(ctx, "message.inbound.fail", slog.String("err", err.Error()))
			return
		}
		if pv := ls.sess.ProtocolVersion(); pv != "" {
			w.Header().Set(mcpProtocolVersionHeader, pv)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	ps, err := ls.tr.openPost(ctx, ids)
	if err != nil {
		if errors.Is(err, errDuplicateRequestID) {
			writeJSONError(w, http.StatusConflict, "request id already in flight")
			h.log.WarnContext(ctx, "rpc.inbound.duplicate_id")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to open response stream")
		h.log.ErrorContext(ctx, "sse.stream.create.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: ps.w.StreamID()})

	rd, err := h.store.OpenReader(ctx, ls.tr.sessionID, ps.w.StreamID(), 0)
	if err != nil {
		_ = ps.seal(ctx)
		writeJSONError(w, http.StatusInternalServerError, "failed to open response stream")
		h.log.ErrorContext(ctx, "sse.reader.open.fail", slog.String("err", err.Error()))
		return
	}

	h.startSSE(w, ls)
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	if mcp.SupportsPriming(ls.sess.ProtocolVersion()) {
		if err := h.prime(ctx, sw, ps.w); err != nil {
			h.log.WarnContext(ctx, "sse.prime.fail", slog.String("err", err.Error()))
		}
	}

	if err := ls.tr.deliver(ctx, body); err != nil {
		_ = ps.seal(ctx)
		h.log.InfoContext(ctx, "message.inbound.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.pump(ctx, sw, rd, nil, ps.live, 0); err != nil {
		h.logStreamEnd(ctx, err)
	}
}

// handleGet streams server-initiated messages. With Last-Event-ID it
// replays the identified stream from just after that event instead.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ls := h.lookup(ctx, w, r, sid, user)
	if ls == nil {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: ls.id, UserID: ls.userID, ProtocolVersion: ls.sess.ProtocolVersion()})

	sw, ok := newSSEWriter(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	ls.begin()
	defer ls.end()

	if lastEventID := r.Header.Get(lastEventIDHeader); lastEventID != "" {
		ctx = logctx.WithStreamData(ctx, &logctx.StreamData{LastEventID: lastEventID})
		rd, err := h.store.Resume(ctx, ls.id, lastEventID)
		if err != nil {
			h.metrics.Resumed("impossible")
			h.log.InfoContext(ctx, "sse.resume.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusBadRequest, "cannot resume stream from Last-Event-ID")
			return
		}
		h.metrics.Resumed("ok")
		h.startSSE(w, ls)
		h.metrics.StreamOpened()
		defer h.metrics.StreamClosed()
		h.log.InfoContext(ctx, "sse.resume.start", slog.String("stream_id", rd.StreamID()))
		if err := h.pump(ctx, sw, rd, ls, nil, h.keepAlive); err != nil {
			h.logStreamEnd(ctx, err)
			return
		}
		h.log.InfoContext(ctx, "sse.resume.end", slog.Duration("dur", time.Since(start)))
		return
	}

	if !ls.attached.CompareAndSwap(false, true) {
		writeJSONError(w, http.StatusConflict, "a standalone stream is already open for this session")
		h.log.InfoContext(ctx, "sse.standalone.conflict")
		return
	}
	defer ls.attached.Store(false)

	rd, err := h.store.OpenReader(ctx, ls.id, ls.tr.standalone.StreamID(), ls.tr.delivered.Load())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
		h.log.ErrorContext(ctx, "sse.reader.open.fail", slog.String("err", err.Error()))
		return
	}
	h.startSSE(w, ls)
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()
	h.log.InfoContext(ctx, "sse.stream.start")

	if mcp.SupportsPriming(ls.sess.ProtocolVersion()) {
		if err := h.prime(ctx, sw, ls.tr.standalone); err != nil {
			h.log.WarnContext(ctx, "sse.prime.fail", slog.String("err", err.Error()))
		}
	}
	if err := h.pump(ctx, sw, rd, ls, ls.tr.standaloneLive, h.keepAlive); err != nil {
		h.logStreamEnd(ctx, err)
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates a session and drops its streams.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}
	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	ls := h.lookup(ctx, w, r, sid, user)
	if ls == nil {
		return
	}
	if pv := ls.sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	h.retire(ls, "deleted")
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}

// lookup resolves a live session for the request and validates that the
// caller may use it. On failure the response has been written.
func (h *Handler) lookup(ctx context.Context, w http.ResponseWriter, r *http.Request, sid string, user auth.UserInfo) *liveSession {
	h.mu.Lock()
	ls := h.sessions[sid]
	h.mu.Unlock()

	if ls == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sid))
		return nil
	}
	if ls.userID != auth.UserID(user) {
		writeJSONError(w, http.StatusForbidden, "session belongs to another principal")
		h.log.WarnContext(ctx, "session.principal.mismatch", slog.String("session_id", sid))
		return nil
	}
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := ls.sess.ProtocolVersion(); spv != "" && pv != spv {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return nil
		}
	}
	return ls
}

// createSession builds, sets up and starts a session. Stateless sessions are
// not registered and never handed out to clients.
func (h *Handler) createSession(ctx context.Context, user auth.UserInfo, protocolVersion string, legacy bool) (*liveSession, error) {
	sid := uuid.NewString()
	standalone, err := h.store.CreateStream(ctx, sid, eventstore.NewStreamID())
	if err != nil {
		return nil, fmt.Errorf("create standalone stream: %w", err)
	}
	tr := newServerTransport(sid, h.store, standalone, h.log, h.metrics)

	opts := []session.Option{
		session.WithLogger(h.log),
		session.WithPrincipal(user),
		session.WithAuthorizer(h.authz),
	}
	if !h.stateless {
		opts = append(opts, session.WithSessionID(sid))
	}
	sess := session.New(tr, opts...)
	if protocolVersion != "" {
		sess.SetProtocolVersion(protocolVersion)
	}

	ls := &liveSession{id: sid, userID: auth.UserID(user), sess: sess, tr: tr, legacy: legacy}

	sessCtx := withTransport(context.Background(), tr)
	if err := h.setup(sessCtx, sess); err != nil {
		_ = tr.Close()
		_ = h.store.DeleteSession(context.WithoutCancel(ctx), sid)
		return nil, fmt.Errorf("session setup: %w", err)
	}
	sess.Start(sessCtx)
	h.metrics.SessionOpened()

	if !h.stateless {
		h.mu.Lock()
		h.sessions[sid] = ls
		h.mu.Unlock()
		if h.idleTimeout > 0 {
			ls.idleAfter = h.idleTimeout
			ls.idle = time.AfterFunc(h.idleTimeout, func() { h.retire(ls, "idle") })
		}
	}
	go func() {
		<-sess.Done()
		h.retire(ls, "ended")
	}()

	h.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", sid), slog.Bool("stateless", h.stateless))
	return ls, nil
}

// retire tears a session down and forgets it. It is safe to call more than
// once and from any goroutine.
func (h *Handler) retire(ls *liveSession, reason string) {
	ls.retireOnce.Do(func() {
		h.mu.Lock()
		if h.sessions[ls.id] == ls {
			delete(h.sessions, ls.id)
		}
		h.mu.Unlock()

		ls.mu.Lock()
		if ls.idle != nil {
			ls.idle.Stop()
		}
		ls.mu.Unlock()

		if err := ls.sess.Close(); err != nil {
			h.log.Warn("session.close.incomplete", slog.String("session_id", ls.id), slog.String("err", err.Error()))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.DeleteSession(ctx, ls.id); err != nil {
			h.log.WarnContext(ctx, "session.streams.delete.fail", slog.String("session_id", ls.id), slog.String("err", err.Error()))
		}
		h.metrics.SessionClosed()
		h.log.InfoContext(ctx, "session.close.ok", slog.String("session_id", ls.id), slog.String("reason", reason))
	})
}

// begin and end bracket a request against the session; idle expiry only
// runs while no request is in progress.
func (ls *liveSession) begin() {
	ls.mu.Lock()
	ls.active++
	if ls.idle != nil {
		ls.idle.Stop()
	}
	ls.mu.Unlock()
}

func (ls *liveSession) end() {
	ls.mu.Lock()
	ls.active--
	if ls.active == 0 && ls.idle != nil {
		ls.idle.Reset(ls.idleAfter)
	}
	ls.mu.Unlock()
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, f: f}, true
}

func (h *Handler) startSSE(w http.ResponseWriter, ls *liveSession) {
	if pv := ls.sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// prime records a control event and announces its id with an empty data
// field, giving the client a resume point before any message is sent.
func (h *Handler) prime(ctx context.Context, sw *sseWriter, wr eventstore.Writer) error {
	ev, err := wr.Append(ctx, nil)
	if err != nil {
		return err
	}
	return sw.event(ev.ID, nil)
}

type readResult struct {
	ev  eventstore.Event
	err error
}

// pump copies events from rd to the response until the stream is sealed,
// switches to polling, or the client goes away. Frames the store refused
// arrive on feed and are written without an event id; feed may be nil. When
// keepAlive is positive a comment is written after each idle interval.
func (h *Handler) pump(ctx context.Context, sw *sseWriter, rd eventstore.Reader, ls *liveSession, feed *liveFeed, keepAlive time.Duration) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan readResult)
	go func() {
		for {
			ev, err := rd.Next(rctx)
			select {
			case results <- readResult{ev: ev, err: err}:
			case <-rctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		frames <-chan jsonrpc.Message
		done   <-chan struct{}
		idle   <-chan time.Time
	)
	if feed != nil {
		frames, done = feed.frames, feed.done
	}
	if keepAlive > 0 {
		t := time.NewTicker(keepAlive)
		defer t.Stop()
		idle = t.C
	}
	reading := true

	for {
		select {
		case r := <-results:
			switch {
			case r.err == nil:
				if err := sw.event(r.ev.ID, r.ev.Payload); err != nil {
					return err
				}
				if ls != nil && r.ev.StreamID == ls.tr.standalone.StreamID() {
					ls.tr.markDelivered(r.ev.Seq)
				}
			case errors.Is(r.err, io.EOF):
				return h.drain(sw, feed)
			case errors.Is(r.err, eventstore.ErrPolling):
				if err := h.drain(sw, feed); err != nil {
					return err
				}
				return sw.retry(rd.RetryInterval())
			case ctx.Err() != nil:
				return ctx.Err()
			case feed == nil:
				return r.err
			default:
				// The store cannot be read; keep serving live frames.
				h.log.WarnContext(ctx, "sse.reader.fail", slog.String("err", r.err.Error()))
				results, reading = nil, false
				if isClosed(feed.done) {
					return h.drain(sw, feed)
				}
			}
		case msg := <-frames:
			if err := sw.event("", msg); err != nil {
				return err
			}
		case <-done:
			// A healthy reader reports the end itself once it has caught up.
			if reading && !feed.unrecorded.Load() {
				done = nil
				continue
			}
			return h.drain(sw, feed)
		case <-idle:
			if err := sw.comment("keep-alive"); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain writes the frames still buffered on feed.
func (h *Handler) drain(sw *sseWriter, feed *liveFeed) error {
	if feed == nil {
		return nil
	}
	for {
		select {
		case msg := <-feed.frames:
			if err := sw.event("", msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (h *Handler) logStreamEnd(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		h.log.InfoContext(ctx, "sse.stream.client_gone")
		return
	}
	h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
}
