// Package openai provides an LLM provider for OpenAI-compatible chat
// completion servers such as vLLM.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements [llm.Provider] over the chat completions API.
type Provider struct {
	client oai.Client
	model  string
	caps   types.ModelCapabilities
}

type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	caps       *types.ModelCapabilities
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the client at a self-hosted server, e.g.
// "http://vllm:8000/v1".
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client. It takes precedence over
// [WithTimeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithCapabilities overrides the capability metadata reported for the model.
func WithCapabilities(caps types.ModelCapabilities) Option {
	return func(c *config) { c.caps = &caps }
}

// New constructs a Provider. Self-hosted servers accept any non-empty key;
// pass a placeholder such as "no-key-needed". Requests are not retried.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	caps := types.ModelCapabilities{
		ContextWindow:       8_192,
		MaxOutputTokens:     2_048,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
	if cfg.caps != nil {
		caps = *cfg.caps
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model, caps: caps}, nil
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Tool call fragments arrive keyed by index and are emitted whole on
		// the finishing chunk.
		var pending []*types.ToolCall

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				if chunk.Usage.TotalTokens > 0 {
					if !send(llm.Chunk{Usage: convertUsage(chunk.Usage)}) {
						return
					}
				}
				continue
			}
			choice := chunk.Choices[0]
			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				for len(pending) <= idx {
					pending = append(pending, &types.ToolCall{})
				}
				acc := pending[idx]
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
			if chunk.Usage.TotalTokens > 0 {
				out.Usage = convertUsage(chunk.Usage)
			}
			if out.Text == "" && out.FinishReason == "" && out.Usage == nil {
				continue
			}
			if !send(out) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()
	return ch, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage:   *convertUsage(resp.Usage),
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

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities { return p.caps }

func convertUsage(u oai.CompletionUsage) *llm.Usage {
	return &llm.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case types.RoleUser:
		return oai.UserMessage(m.Content), nil
	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case types.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
