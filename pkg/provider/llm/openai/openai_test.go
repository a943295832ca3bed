package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/types"
)

func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		role  string
		check func(t *testing.T, m types.Message)
	}{
		{types.RoleSystem, func(t *testing.T, m types.Message) {
			p, _ := convertMessage(m)
			if p.OfSystem == nil {
				t.Error("expected OfSystem")
			}
		}},
		{types.RoleUser, func(t *testing.T, m types.Message) {
			p, _ := convertMessage(m)
			if p.OfUser == nil {
				t.Error("expected OfUser")
			}
		}},
		{types.RoleTool, func(t *testing.T, m types.Message) {
			p, _ := convertMessage(m)
			if p.OfTool == nil {
				t.Error("expected OfTool")
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			tt.check(t, types.Message{Role: tt.role, Content: "x", ToolCallID: "call_1"})
		})
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := types.Message{
		Role:      types.RoleAssistant,
		ToolCalls: []types.ToolCall{{ID: "call_1", Name: "multiply_numbers", Arguments: `{"number1":6,"number2":7}`}},
	}
	p, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.OfAssistant == nil || len(p.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("assistant param = %+v", p.OfAssistant)
	}
	tc := p.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "multiply_numbers" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(types.Message{Role: "narrator"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("k", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestCapabilities_Override(t *testing.T) {
	p, err := New("k", "gemma-3-27b", WithCapabilities(types.ModelCapabilities{ContextWindow: 131072}))
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Capabilities().ContextWindow; got != 131072 {
		t.Errorf("ContextWindow = %d", got)
	}
}

// sse writes a chat completion stream made of the given JSON chunk bodies.
func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestStreamCompletion_TextToolsAndUsage(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		sse(w,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"Let me "}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"multiply_numbers","arguments":"{\"number1\":"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"6,\"number2\":7}"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`,
		)
	}))
	defer srv.Close()

	p, err := New("no-key-needed", "gemma-3-27b", WithBaseURL(srv.URL+"/v1"))
	if err != nil {
		t.Fatal(err)
	}
	temp := 0.3
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "what is 6 times 7"}},
		Temperature:  &temp,
		Tools:        []types.ToolDefinition{{Name: "multiply_numbers", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var (
		text  strings.Builder
		calls []types.ToolCall
		usage *llm.Usage
		fin   string
	)
	for c := range ch {
		text.WriteString(c.Text)
		calls = append(calls, c.ToolCalls...)
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.FinishReason != "" {
			fin = c.FinishReason
		}
	}

	if text.String() != "Let me " {
		t.Errorf("text = %q", text.String())
	}
	if fin != "tool_calls" {
		t.Errorf("finish = %q", fin)
	}
	if len(calls) != 1 || calls[0].ID != "call_a" || calls[0].Arguments != `{"number1":6,"number2":7}` {
		t.Errorf("tool calls = %+v", calls)
	}
	if usage == nil || usage.TotalTokens != 17 {
		t.Errorf("usage = %+v", usage)
	}
	if body["model"] != "gemma-3-27b" || body["stream"] != true {
		t.Errorf("request body = %v", body)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v, want system + user", body["messages"])
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello there."}}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	p, err := New("k", "m", WithBaseURL(srv.URL+"/v1"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello there." || resp.Usage.TotalTokens != 5 {
		t.Errorf("resp = %+v", resp)
	}
}
