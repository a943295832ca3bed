// Package agent wires the voice assistant: its persona and tools, the
// provider pipeline built from configuration, and the worker entry point that
// runs one session per room.
package agent

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/tools"
)

// Instructions is the assistant's system prompt.
const Instructions = `You are a helpful voice AI assistant. The user is interacting with you via voice, even if you perceive the conversation as text.
You eagerly assist users with their questions by providing information from your extensive knowledge.
Your responses are concise, to the point, and without any complex formatting or punctuation including emojis, asterisks, or other symbols.
You are curious, friendly, and have a sense of humor.`

var _ session.Agent = (*Assistant)(nil)

// Assistant is the general-purpose voice assistant.
type Assistant struct {
	tools []tools.Tool
}

// NewAssistant returns an Assistant offering the multiply_numbers tool.
func NewAssistant() *Assistant {
	return &Assistant{tools: []tools.Tool{tools.Multiply()}}
}

// Instructions implements [session.Agent].
func (a *Assistant) Instructions() string { return Instructions }

// Tools implements [session.Agent].
func (a *Assistant) Tools() []tools.Tool { return a.tools }

// OnEnter greets the user. The greeting cannot be interrupted so the client
// has time to calibrate echo cancellation.
func (a *Assistant) OnEnter(ctx context.Context, s *session.Session) error {
	if _, err := s.GenerateReply(ctx, session.ReplyOptions{AllowInterruptions: false}); err != nil {
		return fmt.Errorf("agent: greet: %w", err)
	}
	return nil
}
