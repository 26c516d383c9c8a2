package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/mcp-session-go/auth"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	return nil
}

// userInfo is the concrete auth.UserInfo for validated tokens.
type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.UserInfo = (*userInfo)(nil)

type hmacAuthenticator struct {
	cfg    *Config
	secret []byte
}

// NewHMAC constructs an authenticator for tokens signed with a shared secret.
// It suits single-operator deployments and tests; AllowedAlgs defaults to HS256.
func NewHMAC(cfg *Config, secret []byte) (auth.Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	return &hmacAuthenticator{cfg: cfg, secret: secret}, nil
}

func (a *hmacAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return parseAndVerify(a.cfg, tok, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
}

// parseAndVerify runs the checks shared by every authenticator in this
// package: algorithm allow-list, expiry, issuer, audience and subject.
func parseAndVerify(cfg *Config, tok string, kf jwt.Keyfunc) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, kf)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audIntersects(claims["aud"], cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
