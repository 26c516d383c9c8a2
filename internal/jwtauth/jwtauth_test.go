package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/auth"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://issuer.example.com"
const testAudience = "https://api.example.com/mcp"

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func baseClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": testIssuer,
		"sub": sub,
		"aud": testAudience,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func signHMAC(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newHMAC(t *testing.T, secret []byte) auth.Authenticator {
	t.Helper()
	a, err := NewHMAC(&Config{Issuer: testIssuer, ExpectedAudiences: []string{testAudience}}, secret)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestHMAC_HappyPath(t *testing.T) {
	secret := []byte("s3cret")
	a := newHMAC(t, secret)

	claims := baseClaims("user-123")
	claims["scope"] = "mcp:read"
	ui, err := a.CheckAuthentication(context.Background(), signHMAC(t, secret, claims))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "mcp:read" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestHMAC_Rejections(t *testing.T) {
	secret := []byte("s3cret")
	a := newHMAC(t, secret)

	expired := baseClaims("u")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongAud := baseClaims("u")
	wrongAud["aud"] = []string{"https://other.example.com"}

	noSub := baseClaims("")

	cases := map[string]string{
		"empty":        "",
		"wrong secret": signHMAC(t, []byte("other"), baseClaims("u")),
		"expired":      signHMAC(t, secret, expired),
		"audience":     signHMAC(t, secret, wrongAud),
		"missing sub":  signHMAC(t, secret, noSub),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.CheckAuthentication(context.Background(), tok)
			if !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestStatic_JWKS(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultStaticConfig()
	cfg.Issuer = testIssuer
	cfg.ExpectedAudiences = []string{testAudience}
	a, err := NewStatic(ctx, cfg, srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims("user-9"))
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ui, err := a.CheckAuthentication(ctx, signed)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-9" {
		t.Fatalf("want user-9, got %s", ui.UserID())
	}

	// HS256 tokens must be refused even though the key id resolves.
	hs := signHMAC(t, []byte("x"), baseClaims("user-9"))
	if _, err := a.CheckAuthentication(ctx, hs); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for disallowed alg, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewHMAC(nil, []byte("x")); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := NewHMAC(&Config{Issuer: testIssuer}, []byte("x")); err == nil {
		t.Fatalf("expected error for missing audience")
	}
	if _, err := NewHMAC(&Config{Issuer: testIssuer, ExpectedAudiences: []string{testAudience}}, nil); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}
