package affinity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/internal/metrics"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/google/uuid"
)

const (
	// SessionIDHeader carries the session id on streamable HTTP requests.
	SessionIDHeader = "Mcp-Session-Id"
	// SessionIDQueryParam carries the session id on legacy HTTP+SSE requests.
	SessionIDQueryParam = "sessionId"
	// ForwardedHeader marks a request proxied by another instance's router.
	// Its value is the forwarding instance's owner id. Marked requests are
	// always served locally.
	ForwardedHeader = "X-Mcp-Affinity-Forwarded"
)

// Router is an http.Handler that serves requests for locally owned sessions
// with the local handler and proxies the rest to their owners.
type Router struct {
	store        Store
	local        http.Handler
	address      string
	ownerID      string
	endpointPath string
	transport    http.RoundTripper
	log          *slog.Logger
	metrics      *metrics.Router
}

// NewRouter builds a Router in front of local. address is the externally
// routable base URL other instances use to reach this one.
func NewRouter(store Store, local http.Handler, address string, opts ...Option) *Router {
	rt := &Router{
		store:   store,
		local:   local,
		address: strings.TrimRight(address, "/"),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.ownerID == "" {
		rt.ownerID = uuid.NewString()
	}
	if rt.transport == nil {
		rt.transport = http.DefaultTransport
	}
	if rt.log == nil {
		rt.log = slog.New(slog.DiscardHandler)
	}
	rt.log = logctx.Wrap(rt.log)
	return rt
}

// OwnerID returns the id this router claims sessions under.
func (rt *Router) OwnerID() string { return rt.ownerID }

// Address returns the local instance's routable address.
func (rt *Router) Address() string { return rt.address }

// SessionIDFromRequest extracts the session id from the Mcp-Session-Id header,
// falling back to the legacy sessionId query parameter.
func SessionIDFromRequest(r *http.Request) string {
	if sid := r.Header.Get(SessionIDHeader); sid != "" {
		return sid
	}
	return r.URL.Query().Get(SessionIDQueryParam)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	r = r.WithContext(ctx)

	if from := r.Header.Get(ForwardedHeader); from != "" {
		rt.metrics.Decision(metrics.DecisionLoopGuard)
		rt.log.DebugContext(ctx, "affinity.route.forwarded_in", slog.String("from", from))
		rt.serveOwned(w, r, SessionIDFromRequest(r))
		return
	}

	sid := SessionIDFromRequest(r)
	if sid == "" {
		rt.metrics.Decision(metrics.DecisionNew)
		rt.serveNew(w, r)
		return
	}

	rec, claimed, err := rt.store.GetOrClaim(ctx, sid, rt.claim)
	if err != nil {
		rt.metrics.Decision(metrics.DecisionStoreError)
		rt.log.ErrorContext(ctx, "affinity.lookup.fail", slog.String("session_id", sid), slog.String("err", err.Error()))
		writeError(w, http.StatusBadGateway, "session ownership lookup failed")
		return
	}

	switch {
	case rec.OwnerID == rt.ownerID:
		if claimed {
			rt.log.DebugContext(ctx, "affinity.claim.ok", slog.String("session_id", sid))
		}
		rt.metrics.Decision(metrics.DecisionLocal)
		rt.serveOwned(w, r, sid)
	case sameAddress(rec.Address, rt.address):
		// Written by this instance before it restarted. The session state is
		// gone, so the request is served as if it named no session.
		rt.metrics.Decision(metrics.DecisionStale)
		rt.log.InfoContext(ctx, "affinity.record.stale",
			slog.String("session_id", sid),
			slog.String("stale_owner", rec.OwnerID),
		)
		rt.release(ctx, sid, rec.OwnerID, "stale")
		rt.serveNew(w, withoutSessionID(r))
	default:
		rt.metrics.Decision(metrics.DecisionForward)
		rt.forward(w, r, sid, rec)
	}
}

// withoutSessionID returns a copy of r that carries no session id in either
// the header or the query string.
func withoutSessionID(r *http.Request) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Header.Del(SessionIDHeader)
	if q := r2.URL.Query(); q.Has(SessionIDQueryParam) {
		q.Del(SessionIDQueryParam)
		r2.URL.RawQuery = q.Encode()
	}
	return r2
}

func (rt *Router) claim() Record {
	return Record{OwnerID: rt.ownerID, Address: rt.address, ClaimedAt: time.Now().UTC()}
}

// serveOwned runs the local handler for a session this instance owns and
// drops the ownership record once the session is deleted or reported gone.
func (rt *Router) serveOwned(w http.ResponseWriter, r *http.Request, sid string) {
	m := httpsnoop.CaptureMetricsFn(w, func(ww http.ResponseWriter) {
		rt.local.ServeHTTP(ww, r)
	})
	if sid == "" {
		return
	}
	if reason, ok := rt.releaseReason(r, m.Code); ok {
		rt.release(r.Context(), sid, rt.ownerID, reason)
	}
}

// serveNew runs the local handler for a request without a known session and
// claims the session id the handler assigns before response headers are sent.
func (rt *Router) serveNew(w http.ResponseWriter, r *http.Request) {
	var (
		once   sync.Once
		failed bool
	)
	claimAssigned := func() bool {
		once.Do(func() {
			sid := w.Header().Get(SessionIDHeader)
			if sid == "" || sid == r.Header.Get(SessionIDHeader) {
				return
			}
			ctx := r.Context()
			rec, _, err := rt.store.GetOrClaim(ctx, sid, rt.claim)
			if err == nil && rec.OwnerID == rt.ownerID {
				rt.log.DebugContext(ctx, "affinity.claim.ok", slog.String("session_id", sid))
				return
			}
			failed = true
			rt.metrics.ClaimFailed()
			if err != nil {
				rt.log.ErrorContext(ctx, "affinity.claim.fail", slog.String("session_id", sid), slog.String("err", err.Error()))
			} else {
				rt.log.ErrorContext(ctx, "affinity.claim.conflict", slog.String("session_id", sid), slog.String("owner", rec.OwnerID))
			}
			w.Header().Del(SessionIDHeader)
			writeError(w, http.StatusBadGateway, "session ownership could not be claimed")
		})
		return !failed
	}

	hooked := httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				if claimAssigned() {
					next(code)
				}
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				if !claimAssigned() {
					return len(b), nil
				}
				return next(b)
			}
		},
		Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
			return func() {
				if claimAssigned() {
					next()
				}
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				if !claimAssigned() {
					return io.Copy(io.Discard, src)
				}
				return next(src)
			}
		},
	})
	rt.local.ServeHTTP(hooked, r)
	// Headers set without an explicit write are flushed by net/http after
	// the handler returns.
	claimAssigned()
}

func (rt *Router) forward(w http.ResponseWriter, r *http.Request, sid string, rec Record) {
	ctx := r.Context()
	target, err := url.Parse(rec.Address)
	if err != nil || target.Scheme == "" || target.Host == "" {
		rt.log.ErrorContext(ctx, "affinity.forward.bad_address",
			slog.String("session_id", sid),
			slog.String("address", rec.Address),
		)
		writeError(w, http.StatusBadGateway, "session owner address is invalid")
		return
	}

	start := time.Now()
	code := http.StatusBadGateway
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set(ForwardedHeader, rt.ownerID)
		},
		Transport: rt.transport,
		// SSE responses must reach the client as soon as the owner emits them.
		FlushInterval: -1,
		ErrorLog:      slog.NewLogLogger(rt.log.Handler(), slog.LevelDebug),
		ModifyResponse: func(resp *http.Response) error {
			code = resp.StatusCode
			if reason, ok := rt.releaseReason(r, resp.StatusCode); ok {
				rt.release(ctx, sid, rec.OwnerID, reason)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			rt.log.WarnContext(ctx, "affinity.forward.fail",
				slog.String("session_id", sid),
				slog.String("owner", rec.OwnerID),
				slog.String("address", rec.Address),
				slog.String("err", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "session owner unreachable")
		},
	}
	proxy.ServeHTTP(w, r)

	dur := time.Since(start)
	rt.metrics.Forwarded(strconv.Itoa(code), dur)
	rt.log.DebugContext(ctx, "affinity.forward.ok",
		slog.String("session_id", sid),
		slog.String("address", rec.Address),
		slog.Int("status", code),
		slog.Duration("dur", dur),
	)
}

// releaseReason reports whether a response with the given status means the
// session's ownership record should be dropped.
func (rt *Router) releaseReason(r *http.Request, code int) (string, bool) {
	if r.Method == http.MethodDelete && code >= 200 && code < 300 {
		return "deleted", true
	}
	if code == http.StatusNotFound && rt.isEndpoint(r.URL.Path) {
		return "not_found", true
	}
	return "", false
}

func (rt *Router) isEndpoint(path string) bool {
	if rt.endpointPath == "" {
		return true
	}
	base := strings.TrimRight(rt.endpointPath, "/")
	return path == base || strings.HasPrefix(path, base+"/")
}

func (rt *Router) release(ctx context.Context, sid, ownerID, reason string) {
	ctx = context.WithoutCancel(ctx)
	ok, err := rt.store.DeleteIfOwner(ctx, sid, ownerID)
	if err != nil {
		rt.log.WarnContext(ctx, "affinity.release.fail", slog.String("session_id", sid), slog.String("err", err.Error()))
		return
	}
	if ok {
		rt.metrics.RecordDeleted(reason)
		rt.log.DebugContext(ctx, "affinity.release.ok", slog.String("session_id", sid), slog.String("reason", reason))
	}
}

func sameAddress(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, msg, nil))
}
