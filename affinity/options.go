package affinity

import (
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-session-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) { rt.log = l }
}

// WithOwnerID overrides the per-process owner id. Supplying an id that
// survives restarts (a pod UID, for example) means a restarted instance keeps
// its sessions' records instead of discarding them as stale.
func WithOwnerID(id string) Option {
	return func(rt *Router) { rt.ownerID = id }
}

// WithEndpointPath restricts 404-based record cleanup to requests under path.
// Without it every 404 for a session is taken to mean the session is gone.
func WithEndpointPath(path string) Option {
	return func(rt *Router) { rt.endpointPath = path }
}

// WithTransport sets the round tripper used to reach other instances.
// Defaults to http.DefaultTransport.
func WithTransport(t http.RoundTripper) Option {
	return func(rt *Router) { rt.transport = t }
}

// WithMetrics registers routing collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(rt *Router) { rt.metrics = metrics.NewRouter(reg) }
}
