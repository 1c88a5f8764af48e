package wire

import "encoding/json"

// Method is a toolhost protocol method identifier used in JSON-RPC messages.
type Method string

// Protocol method names and notifications.
const (
	// Session lifecycle
	HandshakeMethod Method = "session/handshake"
	TerminateMethod Method = "session/terminate"

	// Tools
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	// Prompts
	PromptsListMethod Method = "prompts/list"
	PromptsGetMethod  Method = "prompts/get"

	// Resources
	ResourcesListMethod Method = "resources/list"
	ResourcesReadMethod Method = "resources/read"

	// General
	PingMethod Method = "ping"

	// Server-push notifications
	ProgressNotificationMethod        Method = "notifications/progress"
	LogNotificationMethod             Method = "notifications/log"
	ResourceUpdatedNotificationMethod Method = "notifications/resource_updated"
)

// PaginatedRequest carries a cursor for paginated list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult carries a cursor for continuing pagination.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// ProgressToken correlates progress pushes with the originating request.
// It may be a string or number on the wire.
type ProgressToken any

// RequestMeta is optional per-request metadata supplied by the caller.
type RequestMeta struct {
	ProgressToken ProgressToken `json:"progressToken,omitempty"`
}

// HandshakeRequest opens (or, in stateless mode, simulates) a session.
type HandshakeRequest struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ServerInfo `json:"clientInfo,omitzero"`
}

// HandshakeResult reports negotiated capabilities and server identity. The
// session id itself travels out-of-band (transport header); it is never part
// of the result body.
type HandshakeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Features        ServerFeatures `json:"features"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitzero"`
}

// TerminateRequest asks the server to close the session. Idempotent:
// terminating an already-closed or unknown session succeeds.
type TerminateRequest struct{}

// TerminateResult acknowledges termination.
type TerminateResult struct {
	Closed bool `json:"closed"`
}

// ListToolsRequest requests the set of registered tools.
type ListToolsRequest struct {
	PaginatedRequest
}

// ListToolsResult returns a page of tool descriptors.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
	PaginatedResult
}

// CallToolRequest is the server-received representation of a tool invocation.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// ListPromptsRequest requests the set of registered prompts.
type ListPromptsRequest struct {
	PaginatedRequest
}

// ListPromptsResult returns a page of prompt descriptors.
type ListPromptsResult struct {
	Prompts []PromptDescriptor `json:"prompts"`
	PaginatedResult
}

// GetPromptRequest invokes a prompt by name.
type GetPromptRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// ListResourcesRequest requests the set of registered resources.
type ListResourcesRequest struct {
	PaginatedRequest
}

// ListResourcesResult returns a page of resource descriptors.
type ListResourcesResult struct {
	Resources []ResourceDescriptor `json:"resources"`
	PaginatedResult
}

// ReadResourceRequest invokes a resource read by name or URI.
type ReadResourceRequest struct {
	Name      string          `json:"name,omitzero"`
	URI       string          `json:"uri,omitzero"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// PingRequest is a no-op request used to test connectivity.
type PingRequest struct{}

// EmptyResult is returned by operations that carry no payload.
type EmptyResult struct{}

// ProgressNotificationParams conveys progress of an in-flight invocation.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
	Message       string        `json:"message,omitzero"`
}

// LogNotificationParams conveys a structured log record pushed to the client.
type LogNotificationParams struct {
	Level  LogLevel `json:"level"`
	Data   any      `json:"data"`
	Logger string   `json:"logger,omitzero"`
}

// ResourceUpdatedNotificationParams indicates a resource's content changed.
type ResourceUpdatedNotificationParams struct {
	Name string `json:"name"`
	URI  string `json:"uri,omitzero"`
}
