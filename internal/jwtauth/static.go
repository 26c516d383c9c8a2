package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultStaticConfig returns a Config with safe algorithm + leeway defaults.
func DefaultStaticConfig() *Config {
	return &Config{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

type staticAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewStatic constructs an authenticator that validates JWT access tokens
// against a statically configured issuer, audiences and JWKS URI. Keys are
// fetched and refreshed in the background until ctx is done.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (auth.Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &staticAuthenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *staticAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return parseAndVerify(a.cfg, tok, a.keyfunc)
}
