// Package anyllm provides an LLM provider backed by
// github.com/mozilla-ai/any-llm-go, for backends that are not reached through
// the plain OpenAI-compatible client: Ollama, llama.cpp, llamafile, and the
// hosted APIs any-llm-go supports.
//
//	p, err := anyllm.New("ollama", "llama3.2", anyllmlib.WithBaseURL("http://ollama:11434"))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Supported lists the backend names accepted by [New].
var Supported = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Provider implements [llm.Provider] by wrapping an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for the named backend. opts are any-llm-go options
// such as [anyllmlib.WithAPIKey] and [anyllmlib.WithBaseURL]; without an API
// key option the backend reads its usual environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Supported, ", "))
	}
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		var pending []*types.ToolCall
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			for i, tc := range choice.Delta.ToolCalls {
				for len(pending) <= i {
					pending = append(pending, &types.ToolCall{})
				}
				acc := pending[i]
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
			}

			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if choice.FinishReason != "" {
				for _, tc := range pending {
					if tc.Name != "" {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
				pending = nil
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-errs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{Content: choice.Message.ContentString()}
	if resp.Usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Capabilities implements [llm.Provider]. any-llm-go exposes no model
// metadata, so conservative defaults are reported.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       32_768,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: anyllmlib.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return msg
}
