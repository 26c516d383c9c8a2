package mcp

import "slices"

// ClientCapabilities advertises client features.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Logging      *struct{}        `json:"logging,omitempty"`
	Tools        *ToolsCapability `json:"tools,omitempty"`
	Experimental map[string]any   `json:"experimental,omitempty"`
}

// ToolsCapability advertises tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentBlock is a typed content part of a message.
type ContentBlock struct {
	Type string `json:"type"`
	// For TextContent
	Text string `json:"text,omitzero"`
	// For ImageContent and AudioContent
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitzero"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
type ToolInputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is a simplified schema node used in tool schemas.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitzero"`
}

// ObjectSchema returns an object input schema with the given properties.
func ObjectSchema(props map[string]SchemaProperty, required ...string) ToolInputSchema {
	return ToolInputSchema{Type: "object", Properties: props, Required: required}
}

const (
	// LatestProtocolVersion is the latest version of the protocol.
	LatestProtocolVersion = "2025-11-25"

	// PrimingProtocolVersion is the first version whose clients accept an
	// empty priming event at the start of an SSE stream.
	PrimingProtocolVersion = "2025-11-25"
)

// SupportedProtocolVersions lists every protocol version this module speaks,
// newest first.
var SupportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedProtocolVersion reports whether v is one of SupportedProtocolVersions.
func IsSupportedProtocolVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// SupportsPriming reports whether clients on version v expect a priming event.
// Protocol versions are dates, so lexical order is chronological order.
func SupportsPriming(v string) bool {
	return v >= PrimingProtocolVersion
}
