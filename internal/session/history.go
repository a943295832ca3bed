package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/types"
)

// charsPerToken approximates English text across common tokenizers.
const charsPerToken = 4

// summaryThreshold is the share of the context window at which older turns
// are folded into a summary.
const summaryThreshold = 0.75

const summaryPrompt = `Summarise the following conversation between a voice assistant and a user.
Keep facts the user shared, questions still open, and results of any tool calls.
Answer in a few plain sentences.`

// chatContext is the conversation history of one session. The system prompt
// is kept separately so it is never summarised away.
type chatContext struct {
	mu           sync.Mutex
	instructions string
	summary      string
	messages     []types.Message
	tokens       int
	summarising  bool
}

func newChatContext(instructions string) *chatContext {
	return &chatContext{instructions: instructions}
}

func (c *chatContext) append(msgs ...types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.messages = append(c.messages, m)
		c.tokens += estimateTokens(m)
	}
}

// snapshot returns the messages to send to the model: the instructions, the
// running summary if any, then the retained turns.
func (c *chatContext) snapshot() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, 0, len(c.messages)+2)
	if c.instructions != "" {
		out = append(out, types.Message{Role: types.RoleSystem, Content: c.instructions})
	}
	if c.summary != "" {
		out = append(out, types.Message{Role: types.RoleSystem, Content: "Summary of the earlier conversation: " + c.summary})
	}
	return append(out, c.messages...)
}

// history returns the retained turns without system messages.
func (c *chatContext) history() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.messages...)
}

// claimSummary reports whether the history exceeds budget and, if so, marks a
// summarisation as in flight and returns the prefix to summarise. The prefix
// never ends between a tool call and its results.
func (c *chatContext) claimSummary(budget int) ([]types.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if budget <= 0 || c.summarising || c.tokens <= int(float64(budget)*summaryThreshold) {
		return nil, false
	}
	n := len(c.messages) / 2
	for n < len(c.messages) && c.messages[n].Role == types.RoleTool {
		n++
	}
	if n == 0 || n >= len(c.messages) {
		return nil, false
	}
	c.summarising = true
	return append([]types.Message(nil), c.messages[:n]...), true
}

// applySummary replaces the first n messages with summary. A failed
// summarisation passes an empty summary and keeps the history.
func (c *chatContext) applySummary(n int, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summarising = false
	if summary == "" || n > len(c.messages) {
		return
	}
	for _, m := range c.messages[:n] {
		c.tokens -= estimateTokens(m)
	}
	c.messages = append([]types.Message(nil), c.messages[n:]...)
	if c.summary != "" {
		summary = c.summary + " " + summary
	}
	c.summary = summary
	c.tokens += len(summary) / charsPerToken
}

// summarise asks the model for a short summary of msgs.
func summarise(ctx context.Context, p llm.Provider, msgs []types.Message) (string, error) {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: sb.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
