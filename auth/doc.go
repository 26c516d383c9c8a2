// Package auth defines the two collaborator contracts the session core
// consumes: an Authenticator that turns a bearer token into a principal, and
// an Authorizer that answers "may this principal invoke this method".
//
// Neither contract carries policy. Token validation lives in implementations
// (see internal/jwtauth for HMAC and JWKS-backed validators); authorization
// policy is supplied by the embedding application. The streaming HTTP
// transport extracts the bearer token and maps ErrUnauthorized to a 401
// challenge. The session loop calls the Authorizer before each request
// dispatch and replies with a JSON-RPC error when access is denied.
package auth
