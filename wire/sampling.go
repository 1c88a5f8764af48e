package wire

// Role indicates the author of a sampling message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SampleMessage is one message of model-sampling input.
type SampleMessage struct {
	Role    Role         `json:"role"`
	Content ContentBlock `json:"content"`
}

// SampleRequest asks the orchestrator-side model for a completion on behalf
// of a handler. Only available when the server declared the sampling feature.
type SampleRequest struct {
	Messages      []SampleMessage `json:"messages"`
	SystemPrompt  string          `json:"systemPrompt,omitzero"`
	MaxTokens     int             `json:"maxTokens,omitzero"`
	Temperature   float64         `json:"temperature,omitzero"`
	StopSequences []string        `json:"stopSequences,omitempty"`
}

// SampleResult is the model's reply.
type SampleResult struct {
	Role       Role         `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model,omitzero"`
	StopReason string       `json:"stopReason,omitzero"`
}
