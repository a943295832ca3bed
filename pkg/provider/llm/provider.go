// Package llm defines the Provider interface for language model backends.
//
// A provider wraps a remote model API (a vLLM server, any OpenAI-compatible
// endpoint, or one of the backends any-llm-go speaks to) and exposes streaming
// and blocking completions to the session runtime.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// the context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/types"
)

// FinishReasonError marks a Chunk that carries a mid-stream failure in Text.
const FinishReasonError = "error"

// Usage holds token accounting for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// Tools offered to the model.
	Tools []types.ToolDefinition

	// Temperature is sent only when non-nil.
	Temperature *float64

	// MaxTokens caps completion tokens. Zero uses the server default.
	MaxTokens int

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string
}

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental content. On a chunk whose FinishReason is
	// [FinishReasonError] it holds the error message instead.
	Text string

	// FinishReason is empty on intermediate chunks; "stop", "length",
	// "tool_calls" or [FinishReasonError] otherwise.
	FinishReason string

	// ToolCalls holds the fully accumulated tool calls. Only set on the chunk
	// that finishes the stream.
	ToolCalls []types.ToolCall

	// Usage is set on at most one chunk, when the backend reports it.
	Usage *Usage
}

// CompletionResponse is the result of a blocking completion.
type CompletionResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Usage     Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a streamed completion. The returned channel is
	// never nil when err is nil, and callers must drain it. Failures after the
	// stream starts arrive as a Chunk with FinishReason [FinishReasonError].
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities describes the configured model.
	Capabilities() types.ModelCapabilities
}
