package session

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
)

// RequestHandler serves one inbound request method. The returned value is
// marshaled as the result. Returning a *jsonrpc.Error (or an error wrapping
// one) replies with that error verbatim; any other error is treated as an
// internal fault and the peer only sees a generic internal error.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *jsonrpc.Request) (any, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *jsonrpc.Request) (any, error)

// HandleRequest implements RequestHandler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *jsonrpc.Request) (any, error) {
	return f(ctx, req)
}

// NotificationHandler observes one inbound notification method. Errors are
// logged and never reported to the peer.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n *jsonrpc.Request) error
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(ctx context.Context, n *jsonrpc.Request) error

// HandleNotification implements NotificationHandler.
func (f NotificationHandlerFunc) HandleNotification(ctx context.Context, n *jsonrpc.Request) error {
	return f(ctx, n)
}

// Registry is the capability registry consulted when no handler was
// registered for a method. The session never inspects how the registry
// builds its method set.
type Registry interface {
	// Methods lists the request methods the registry can serve.
	Methods() []string
	// Invoke runs method with params on behalf of user, who is nil for
	// unauthenticated sessions.
	Invoke(ctx context.Context, user auth.UserInfo, method string, params json.RawMessage) (any, error)
}

var (
	errMethodNotFound = &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "Method not found"}
	errUnauthorized   = &jsonrpc.Error{Code: jsonrpc.ErrorCodeUnauthorized, Message: "Unauthorized"}
	errInternal       = &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "Internal error"}
	errDuplicateID    = &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "Duplicate request id"}
)
