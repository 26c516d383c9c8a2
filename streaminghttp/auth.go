package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/ggoodman/mcp-session-go/auth"
)

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	rest := make([]string, 0, len(params))
	for k := range params {
		if k != "error" && k != "error_description" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// challenge builds the handler's Bearer challenge, pointing clients at the
// protected resource metadata document when one is configured.
func (h *Handler) challenge(params map[string]string) string {
	if h.resourceMetadata != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["resource_metadata"] = h.resourceMetadata
	}
	return buildBearerChallenge(h.realm, params)
}

// authenticate resolves the request principal. With no authenticator
// configured every request is anonymous and (nil, true) is returned. On
// failure the challenge has already been written and ok is false.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (user auth.UserInfo, ok bool) {
	if h.authn == nil {
		return nil, true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, h.challenge(nil))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}

	const bearerPrefix = "Bearer "
	tok := ""
	if len(authHeader) > len(bearerPrefix) && strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed bearer authorization header",
		}))
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return nil, false
	}

	user, err := h.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{
				"error":             "invalid_token",
				"error_description": err.Error(),
			}))
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return nil, false
		}
		if errors.Is(err, auth.ErrForbidden) {
			h.log.InfoContext(ctx, "auth.check.forbidden", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{
				"error":             "insufficient_scope",
				"error_description": err.Error(),
			}))
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
			return nil, false
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
		return nil, false
	}
	return user, true
}
