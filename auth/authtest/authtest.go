package authtest

import (
	"context"
	"fmt"
	"slices"

	"github.com/ggoodman/mcp-session-go/auth"
)

// NoAuth is a test authenticator that accepts any non-empty token.
// Used for testing and development environments where authentication is not required.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID.
// If userID is empty, it defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication always returns the configured user.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return User(n.UserID), nil
}

// TokenAuth maps fixed tokens to user ids. Unknown tokens are rejected with
// auth.ErrUnauthorized.
type TokenAuth map[string]string

// CheckAuthentication implements auth.Authenticator.
func (t TokenAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	id, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User(id), nil
}

// User is a claim-less principal.
type User string

// UserID implements auth.UserInfo.
func (u User) UserID() string { return string(u) }

// Claims implements auth.UserInfo. There are no claims to unmarshal.
func (u User) Claims(ref any) error { return nil }

// DenyMethods returns an authorizer that rejects the listed methods.
func DenyMethods(methods ...string) auth.Authorizer {
	return auth.AuthorizerFunc(func(ctx context.Context, user auth.UserInfo, method string) (bool, error) {
		return !slices.Contains(methods, method), nil
	})
}
