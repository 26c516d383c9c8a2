package session

import (
	"context"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
)

type sessionKey struct{}
type requestIDKey struct{}
type cancelNotifyKey struct{}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session serving the current handler invocation.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// WithRequestID marks ctx as belonging to the inbound request id. Outbound
// messages written with such a context are related to that request.
func WithRequestID(ctx context.Context, id *jsonrpc.RequestID) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id of the inbound request being served,
// or nil outside of a request handler.
func RequestIDFromContext(ctx context.Context) *jsonrpc.RequestID {
	id, _ := ctx.Value(requestIDKey{}).(*jsonrpc.RequestID)
	return id
}

// WithCancelNotification opts a Call into telling the peer when the caller
// gives up: if ctx is cancelled before the reply arrives, a
// notifications/cancelled carrying reason is sent best-effort.
func WithCancelNotification(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, cancelNotifyKey{}, reason)
}

func cancelNotification(ctx context.Context) (string, bool) {
	reason, ok := ctx.Value(cancelNotifyKey{}).(string)
	return reason, ok
}
