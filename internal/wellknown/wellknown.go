// Package wellknown serves the OAuth protected resource metadata document
// (RFC 9728) that tells MCP clients where to obtain tokens for an endpoint.
package wellknown

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the well-known path prefix of the document.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 document for one resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourcePath returns where the document for resource is served:
// the well-known prefix followed by the resource's own path.
func ProtectedResourcePath(resource *url.URL) string {
	p := strings.TrimSuffix(resource.Path, "/")
	return ProtectedResourcePrefix + p
}

// ProtectedResourceURL returns the absolute URL of the document for resource.
func ProtectedResourceURL(resource *url.URL) string {
	u := url.URL{Scheme: resource.Scheme, Host: resource.Host, Path: ProtectedResourcePath(resource)}
	return u.String()
}

// Handler serves md as JSON. The document is encoded once.
func Handler(md ProtectedResourceMetadata) (http.Handler, error) {
	if md.BearerMethodsSupported == nil {
		md.BearerMethodsSupported = []string{"header"}
	}
	body, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	}), nil
}
