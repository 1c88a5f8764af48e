package wire

import "github.com/google/jsonschema-go/jsonschema"

// ProtocolVersion is the toolhost protocol revision this runtime speaks.
const ProtocolVersion = "2026-03-26"

// CapabilityKind discriminates the three capability families a server exposes.
type CapabilityKind string

const (
	KindTool     CapabilityKind = "tool"
	KindPrompt   CapabilityKind = "prompt"
	KindResource CapabilityKind = "resource"
)

// IsValidCapabilityKind reports whether kind is one of the protocol-defined
// capability families.
func IsValidCapabilityKind(kind CapabilityKind) bool {
	switch kind {
	case KindTool, KindPrompt, KindResource:
		return true
	default:
		return false
	}
}

// Content block types.
const (
	ContentTypeText   = "text"
	ContentTypeImage  = "image"
	ContentTypeAudio  = "audio"
	ContentTypeBinary = "binary"
)

// ContentBlock is the typed unit of data returned from a capability
// invocation. Exactly one variant is populated, discriminated by Type. All
// binary variants carry base64 text in Data so every block is serializable at
// the protocol boundary.
type ContentBlock struct {
	Type string `json:"type"`
	// For text blocks.
	Text string `json:"text,omitzero"`
	// For image, audio, and binary blocks.
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// TextBlock builds a text content block.
func TextBlock(s string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: s}
}

// InvocationResult is the outcome of a capability invocation. Validation and
// handler failures set IsError with a descriptive text block; they are still
// protocol-level successes.
type InvocationResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	// ErrorCode distinguishes failure classes when IsError is set.
	ErrorCode string `json:"errorCode,omitzero"`
}

// InvocationResult error codes.
const (
	ErrorCodeValidation = "validation"
	ErrorCodeTimeout    = "timeout"
	ErrorCodeExecution  = "execution"
)

// ToolDescriptor describes a callable tool and its parameter schema.
type ToolDescriptor struct {
	Name            string             `json:"name"`
	Description     string             `json:"description,omitzero"`
	ParameterSchema *jsonschema.Schema `json:"parameterSchema,omitempty"`
}

// PromptDescriptor describes a named prompt the server can render.
type PromptDescriptor struct {
	Name            string             `json:"name"`
	Description     string             `json:"description,omitzero"`
	ParameterSchema *jsonschema.Schema `json:"parameterSchema,omitempty"`
}

// ResourceDescriptor describes an addressable resource.
type ResourceDescriptor struct {
	Name        string `json:"name"`
	URI         string `json:"uri,omitzero"`
	Description string `json:"description,omitzero"`
	MimeType    string `json:"mimeType,omitzero"`
}

// ServerInfo identifies the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitzero"`
}

// ServerFeatures advertises optional server-side facilities negotiated during
// the handshake. Execution contexts only expose the matching callbacks when
// the feature was declared.
type ServerFeatures struct {
	Tools     bool `json:"tools,omitzero"`
	Prompts   bool `json:"prompts,omitzero"`
	Resources bool `json:"resources,omitzero"`
	Sampling  bool `json:"sampling,omitzero"`
	Logging   bool `json:"logging,omitzero"`
}

// LogLevel is the severity attached to pushed log notifications.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)
