// Package types defines the conversation types shared by the LLM providers,
// the tool registry, and the session runtime.
package types

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of an LLM conversation history.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	Content string

	// Name optionally identifies the speaker.
	Name string

	// ToolCalls lists the invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string

	// Arguments is the raw JSON argument object.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// ModelCapabilities is static metadata about a model.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsStreaming   bool
}

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	// ID is the backend-specific voice identifier (e.g. "af_nova").
	ID string

	// SpeedFactor scales speaking rate. Zero keeps the backend default.
	SpeedFactor float64
}
