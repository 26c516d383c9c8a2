package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/sourcegraph/conc"
)

var (
	// ErrClosed is returned by operations on a session that has been torn
	// down. Errors delivered to pending calls wrap both ErrClosed and the
	// underlying cause.
	ErrClosed = errors.New("session closed")
	// ErrTransportClosed wraps the read error that ended the receive loop.
	ErrTransportClosed = errors.New("transport closed")
	// ErrShutdownGrace is returned by Close when handlers were still running
	// once the shutdown grace elapsed. They are abandoned, not stopped.
	ErrShutdownGrace = errors.New("shutdown grace exceeded")
	// errPeerCancelled is the cancellation cause for handlers the peer gave
	// up on; no response is written for them.
	errPeerCancelled = errors.New("request cancelled by peer")
)

// Session is one end of a JSON-RPC conversation bound to a Transport. It
// correlates outbound requests with their responses, dispatches inbound
// requests and notifications to handlers, and tears everything down exactly
// once.
type Session struct {
	t        Transport
	log      *slog.Logger
	id       string
	user     auth.UserInfo
	authz    auth.Authorizer
	registry Registry
	grace    time.Duration

	mu                   sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string][]NotificationHandler
	protocolVersion      string
	cancel               context.CancelFunc

	pending  sync.Map // string -> *pendingCall
	inflight sync.Map // string -> context.CancelCauseFunc
	nextID   atomic.Int64

	handlers conc.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
	closeErr error

	loopDone  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	// abandoned is set when teardown gave up waiting for handlers.
	abandoned error
}

type pendingCall struct {
	method string
	ch     chan callResult
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

// New binds a session to t. Handlers may be registered until Start is called.
func New(t Transport, opts ...Option) *Session {
	cfg := config{grace: DefaultShutdownGrace}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{
		t:                    t,
		log:                  logctx.Wrap(cfg.logger),
		id:                   cfg.sessionID,
		user:                 cfg.user,
		authz:                cfg.authorizer,
		registry:             cfg.registry,
		grace:                cfg.grace,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string][]NotificationHandler),
		loopDone:             make(chan struct{}),
		done:                 make(chan struct{}),
	}
}

// ID returns the transport-level session id, which may be empty.
func (s *Session) ID() string { return s.id }

// User returns the principal the session acts for, or nil.
func (s *Session) User() auth.UserInfo { return s.user }

// ProtocolVersion returns the negotiated MCP protocol version, if any.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// SetProtocolVersion records the negotiated MCP protocol version.
func (s *Session) SetProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

// Handle registers h for inbound requests with the given method, replacing
// any previous registration.
func (s *Session) Handle(method string, h RequestHandler) {
	s.mu.Lock()
	s.requestHandlers[method] = h
	s.mu.Unlock()
}

// HandleFunc registers fn for inbound requests with the given method.
func (s *Session) HandleFunc(method string, fn func(ctx context.Context, req *jsonrpc.Request) (any, error)) {
	s.Handle(method, RequestHandlerFunc(fn))
}

// HandleNotification adds h to the observers of the given notification
// method. Observers run in registration order on the receive loop and must
// not block.
func (s *Session) HandleNotification(method string, h NotificationHandler) {
	s.mu.Lock()
	s.notificationHandlers[method] = append(s.notificationHandlers[method], h)
	s.mu.Unlock()
}

// Start launches the receive loop. The loop stops when ctx is cancelled, the
// transport fails, or Close is called; the session is then torn down.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.id,
		UserID:    auth.UserID(s.user),
	})
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.closed.Load() {
		// Close won the race before the cancel func was published.
		cancel()
	}

	go func() {
		err := s.readLoop(ctx)
		close(s.loopDone)
		s.closeWith(err)
	}()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is torn down and returns the cause.
func (s *Session) Wait() error {
	<-s.done
	return s.closeErr
}

// Err returns the teardown cause, or nil while the session is open.
func (s *Session) Err() error {
	if !s.closed.Load() {
		return nil
	}
	return s.closeErr
}

// Close tears the session down. Every pending call fails with ErrClosed,
// in-flight handlers are cancelled and the transport is closed. Close is
// idempotent and waits up to the shutdown grace for handlers to return; it
// reports ErrShutdownGrace when some did not.
func (s *Session) Close() error {
	s.closeWith(ErrClosed)
	return s.abandoned
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}
		if !errors.Is(cause, ErrClosed) {
			cause = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
		s.closeErr = cause
		s.closed.Store(true)

		failed := 0
		s.pending.Range(func(key, _ any) bool {
			if v, ok := s.pending.LoadAndDelete(key); ok {
				v.(*pendingCall).ch <- callResult{err: cause}
				failed++
			}
			return true
		})

		s.mu.RLock()
		cancel := s.cancel
		s.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		s.inflight.Range(func(_, v any) bool {
			v.(context.CancelCauseFunc)(cause)
			return true
		})
		if err := s.t.Close(); err != nil {
			s.log.Debug("session.transport.close.fail", slog.String("err", err.Error()))
		}

		drained := make(chan struct{})
		go func() {
			if s.started.Load() {
				<-s.loopDone
			}
			s.handlers.Wait()
			close(drained)
		}()
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			s.abandoned = fmt.Errorf("%w after %s", ErrShutdownGrace, s.grace)
			s.log.Warn("session.close.grace_exceeded", slog.String("session_id", s.id), slog.Duration("grace", s.grace))
		}

		s.log.Debug("session.close.ok", slog.String("session_id", s.id), slog.Int("failed_calls", failed), slog.String("cause", cause.Error()))
		close(s.done)
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		frame, err := s.t.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}

		msgs, _, err := jsonrpc.DecodeMessages(frame)
		if err != nil {
			s.log.WarnContext(ctx, "rpc.inbound.malformed", slog.String("err", err.Error()))
			continue
		}
		for i := range msgs {
			s.dispatch(ctx, &msgs[i])
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case jsonrpc.TypeResponse:
		s.handleResponse(ctx, msg.AsResponse())
	case jsonrpc.TypeNotification:
		s.handleNotification(ctx, msg.AsRequest())
	case jsonrpc.TypeRequest:
		s.handleRequest(ctx, msg.AsRequest())
	}
}

func (s *Session) handleResponse(ctx context.Context, resp *jsonrpc.Response) {
	if resp.ID.IsNil() {
		if resp.Error != nil {
			s.log.WarnContext(ctx, "rpc.inbound.peer_error", slog.Int("code", int(resp.Error.Code)), slog.String("message", resp.Error.Message))
		}
		return
	}
	v, ok := s.pending.LoadAndDelete(resp.ID.String())
	if !ok {
		s.log.DebugContext(ctx, "rpc.inbound.unknown_response", slog.String("id", resp.ID.String()))
		return
	}
	v.(*pendingCall).ch <- callResult{resp: resp}
}

func (s *Session) handleNotification(ctx context.Context, n *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: n.Method, Type: jsonrpc.TypeNotification})

	if n.Method == string(mcp.CancelledNotificationMethod) {
		s.cancelInflight(ctx, n.Params)
	}

	s.mu.RLock()
	observers := append([]NotificationHandler(nil), s.notificationHandlers[n.Method]...)
	s.mu.RUnlock()

	ctx = withSession(ctx, s)
	for _, h := range observers {
		if err := s.notifySafely(ctx, h, n); err != nil {
			s.log.WarnContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
		}
	}
}

func (s *Session) notifySafely(ctx context.Context, h NotificationHandler, n *jsonrpc.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notification handler panicked: %v", r)
		}
	}()
	return h.HandleNotification(ctx, n)
}

func (s *Session) cancelInflight(ctx context.Context, params json.RawMessage) {
	var p mcp.CancelledNotification
	if err := json.Unmarshal(params, &p); err != nil || len(p.RequestID) == 0 {
		s.log.DebugContext(ctx, "rpc.cancel.malformed")
		return
	}
	var id jsonrpc.RequestID
	if err := json.Unmarshal(p.RequestID, &id); err != nil {
		s.log.DebugContext(ctx, "rpc.cancel.malformed")
		return
	}
	if v, ok := s.inflight.Load(id.String()); ok {
		v.(context.CancelCauseFunc)(errPeerCancelled)
		s.log.DebugContext(ctx, "rpc.cancel.ok", slog.String("id", id.String()), slog.String("reason", p.Reason))
	}
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	key := req.ID.String()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: key, Type: jsonrpc.TypeRequest})
	ctx = WithRequestID(withSession(ctx, s), req.ID)
	hctx, cancel := context.WithCancelCause(ctx)

	if _, loaded := s.inflight.LoadOrStore(key, cancel); loaded {
		cancel(nil)
		s.log.WarnContext(ctx, "rpc.inbound.duplicate_id")
		s.handlers.Go(func() {
			s.reply(ctx, jsonrpc.NewErrorResponse(req.ID, errDuplicateID.Code, errDuplicateID.Message, nil))
		})
		return
	}

	s.handlers.Go(func() {
		defer s.inflight.Delete(key)
		defer cancel(nil)

		start := time.Now()
		result, err := s.invoke(hctx, req)
		if errors.Is(context.Cause(hctx), errPeerCancelled) {
			s.log.DebugContext(ctx, "rpc.inbound.cancelled", slog.Duration("dur", time.Since(start)))
			return
		}

		var resp *jsonrpc.Response
		if err != nil {
			rpcErr, ok := jsonrpc.AsError(err)
			if !ok {
				s.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
				rpcErr = errInternal
			}
			resp = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		} else {
			resp, err = jsonrpc.NewResultResponse(req.ID, result)
			if err != nil {
				s.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
				resp = jsonrpc.NewErrorResponse(req.ID, errInternal.Code, errInternal.Message, nil)
			}
		}
		s.reply(ctx, resp)
		s.log.DebugContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)), slog.Bool("error", resp.Error != nil))
	})
}

func (s *Session) invoke(ctx context.Context, req *jsonrpc.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "rpc.inbound.panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			result, err = nil, errInternal
		}
	}()

	s.mu.RLock()
	h := s.requestHandlers[req.Method]
	s.mu.RUnlock()

	if h == nil && !s.registryServes(req.Method) {
		return nil, errMethodNotFound
	}

	if s.authz != nil {
		ok, err := s.authz.Authorize(ctx, s.user, req.Method)
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", req.Method, err)
		}
		if !ok {
			s.log.InfoContext(ctx, "rpc.inbound.denied", slog.String("user_id", auth.UserID(s.user)))
			return nil, errUnauthorized
		}
	}

	if h != nil {
		return h.HandleRequest(ctx, req)
	}
	return s.registry.Invoke(ctx, s.user, req.Method, req.Params)
}

func (s *Session) registryServes(method string) bool {
	if s.registry == nil {
		return false
	}
	for _, m := range s.registry.Methods() {
		if m == method {
			return true
		}
	}
	return false
}

func (s *Session) reply(ctx context.Context, resp *jsonrpc.Response) {
	frame, err := jsonrpc.Encode(resp)
	if err != nil {
		s.log.ErrorContext(ctx, "rpc.outbound.encode.fail", slog.String("err", err.Error()))
		return
	}
	// The reply must go out even though the handler context is done.
	if err := s.t.Write(context.WithoutCancel(ctx), frame); err != nil {
		s.log.DebugContext(ctx, "rpc.outbound.write.fail", slog.String("err", err.Error()))
	}
}
