package session

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-session-go/auth"
)

// DefaultShutdownGrace bounds how long Close waits for the receive loop and
// in-flight handlers.
const DefaultShutdownGrace = 5 * time.Second

// Option configures a Session.
type Option func(*config)

type config struct {
	logger     *slog.Logger
	sessionID  string
	user       auth.UserInfo
	authorizer auth.Authorizer
	registry   Registry
	grace      time.Duration
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSessionID records the transport-level session id (for example the
// Mcp-Session-Id assigned by an HTTP server).
func WithSessionID(id string) Option {
	return func(c *config) { c.sessionID = id }
}

// WithPrincipal sets the authenticated user the session acts for.
func WithPrincipal(u auth.UserInfo) Option {
	return func(c *config) { c.user = u }
}

// WithAuthorizer installs the allow/deny decision consulted before every
// inbound request is dispatched.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(c *config) { c.authorizer = a }
}

// WithRegistry installs the capability registry used for methods that have
// no explicitly registered handler.
func WithRegistry(r Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithShutdownGrace overrides DefaultShutdownGrace.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *config) { c.grace = d }
}
