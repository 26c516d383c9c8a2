// Package mcp contains the protocol data types and constants the session core
// and its facades exchange: method names, protocol versions, the initialize
// handshake payloads, tool listing and invocation payloads, and the
// cancellation and progress notifications.
//
// The package is free of transport logic. The session package carries these
// types as JSON-RPC params and results; stdio and streaminghttp frame them on
// the wire.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes.
//
// # Protocol Versions
//
// SupportedProtocolVersions lists the versions negotiated during initialize,
// newest first. Versions are ISO dates and compare lexically.
package mcp
