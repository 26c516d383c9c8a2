package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden indicates the principal may not invoke the requested capability.
var ErrForbidden = errors.New("forbidden")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Authorizer decides whether a principal may invoke a method. The session
// consults it before dispatching every inbound request; a false result is
// reported to the peer as a protocol error. The principal is nil for
// unauthenticated sessions.
type Authorizer interface {
	Authorize(ctx context.Context, user UserInfo, method string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, user UserInfo, method string) (bool, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, user UserInfo, method string) (bool, error) {
	return f(ctx, user, method)
}

// UserID returns the id of user, or "" when user is nil.
func UserID(user UserInfo) string {
	if user == nil {
		return ""
	}
	return user.UserID()
}
