package streaminghttp

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/ggoodman/mcp-session-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultSessionIdleTimeout closes sessions that have seen no request for
	// this long.
	DefaultSessionIdleTimeout = 30 * time.Minute
	// DefaultKeepAlive is the interval between SSE comments on idle GET streams.
	DefaultKeepAlive = 25 * time.Second
	// DefaultMaxBodyBytes bounds POST bodies.
	DefaultMaxBodyBytes = 4 << 20
)

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler and its sessions. If not
// provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithAuthenticator requires a bearer token on every request and binds each
// session to the principal that created it.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.authn = a }
}

// WithAuthorizer installs the per-method allow/deny decision on every session.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(h *Handler) { h.authz = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. It is
// omitted when empty.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithResourceMetadata advertises the URL of the OAuth protected resource
// metadata document (RFC 9728) in every WWW-Authenticate challenge.
func WithResourceMetadata(url string) Option {
	return func(h *Handler) { h.resourceMetadata = url }
}

// WithStateless serves every POST with a throwaway session. No session id is
// issued and GET and DELETE answer 405.
func WithStateless() Option {
	return func(h *Handler) { h.stateless = true }
}

// WithMetrics registers handler collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Handler) { h.metrics = metrics.NewHTTP(reg) }
}

// WithSessionIdleTimeout overrides DefaultSessionIdleTimeout. Zero disables
// idle expiry.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(h *Handler) { h.idleTimeout = d }
}

// WithKeepAlive overrides DefaultKeepAlive. Zero disables keep-alive comments.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithLegacySSE additionally serves the 2024-11-05 HTTP+SSE transport at
// {path}/sse and {path}/message.
func WithLegacySSE() Option {
	return func(h *Handler) { h.legacy = true }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}
