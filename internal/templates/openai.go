package templates

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
)

// Template identity for the OpenAI-compatible upstream executor. The base
// URL knob makes it usable against any Chat Completions compatible server,
// not just the OpenAI platform.
const (
	OpenAITemplateID      = "openai"
	OpenAITemplateVersion = "1.0"
)

// OpenAIFactory produces executors backed by an OpenAI-compatible Chat
// Completions endpoint. Runtime-level credentials act as defaults; each
// agent configuration may override them.
type OpenAIFactory struct {
	Defaults config.OpenAIConfig
}

// Metadata implements executor.Factory.
func (f OpenAIFactory) Metadata() executor.Metadata {
	return executor.Metadata{
		TemplateID:      OpenAITemplateID,
		TemplateVersion: OpenAITemplateVersion,
		Description:     "Chat Completions executor for OpenAI-compatible upstreams",
		ConfigSchema: executor.ConfigSchema{
			Fields: []executor.ConfigField{
				{Name: "model", Type: "string", Description: "Upstream model identifier"},
				{Name: "api_key", Type: "string", Description: "Overrides the runtime-level API key"},
				{Name: "base_url", Type: "string", Description: "Overrides the upstream endpoint"},
				{Name: "system_prompt", Type: "string", Description: "Prepended as a system message when the history has none"},
			},
		},
	}
}

// New implements executor.Factory. The upstream client is built once per
// instance and reused across that session's executions.
func (f OpenAIFactory) New(cfg *runtime.AgentConfiguration) (executor.AgentExecutor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent configuration is required")
	}

	apiKey := f.Defaults.APIKey
	baseURL := f.Defaults.BaseURL
	model := f.Defaults.Model
	systemPrompt := ""
	if cfg.Configuration != nil {
		if v, ok := cfg.Configuration["api_key"].(string); ok && v != "" {
			apiKey = v
		}
		if v, ok := cfg.Configuration["base_url"].(string); ok && v != "" {
			baseURL = v
		}
		if v, ok := cfg.Configuration["model"].(string); ok && v != "" {
			model = v
		}
		if v, ok := cfg.Configuration["system_prompt"].(string); ok {
			systemPrompt = v
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai template requires an api key (agent config or runtime default)")
	}
	if model == "" {
		return nil, fmt.Errorf("openai template requires a model")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &openaiExecutor{
		meta:         f.Metadata(),
		client:       client,
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

type openaiExecutor struct {
	meta         executor.Metadata
	client       openai.Client
	model        string
	systemPrompt string
}

func (e *openaiExecutor) Metadata() executor.Metadata {
	return e.meta
}

func (e *openaiExecutor) ValidateConfig(cfg map[string]any) executor.ValidationResult {
	var result executor.ValidationResult
	if cfg == nil {
		return result
	}
	for _, key := range []string{"model", "api_key", "base_url", "system_prompt"} {
		if raw, ok := cfg[key]; ok {
			if _, isString := raw.(string); !isString {
				result.AddError("%s must be a string, got %T", key, raw)
			}
		}
	}
	if _, ok := cfg["model"].(string); !ok && e.model == "" {
		result.AddError("model is required")
	}
	return result
}

// params builds the Chat Completions request from the conversation the
// manager passed in.
func (e *openaiExecutor) params(messages []runtime.ChatMessage, opts executor.ExecuteOptions) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)

	hasSystem := false
	for _, m := range messages {
		if m.Role == runtime.RoleSystem {
			hasSystem = true
			break
		}
	}
	if e.systemPrompt != "" && !hasSystem {
		converted = append(converted, openai.SystemMessage(e.systemPrompt))
	}

	for _, m := range messages {
		switch m.Role {
		case runtime.RoleSystem:
			converted = append(converted, openai.SystemMessage(m.Content))
		case runtime.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    e.model,
		Messages: converted,
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(*opts.MaxTokens)
	}
	return params
}

func (e *openaiExecutor) Execute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (*runtime.TaskResult, error) {
	resp, err := e.client.Chat.Completions.New(ctx, e.params(messages, opts))
	if err != nil {
		return &runtime.TaskResult{
			Success:      false,
			Error:        fmt.Sprintf("upstream completion failed: %v", err),
			FinishReason: runtime.FinishReasonError,
			Metadata:     map[string]any{"error": err.Error()},
		}, nil
	}
	if len(resp.Choices) == 0 {
		return &runtime.TaskResult{
			Success:      false,
			Error:        "upstream returned no choices",
			FinishReason: runtime.FinishReasonError,
			Metadata:     map[string]any{"error": "upstream returned no choices"},
		}, nil
	}

	choice := resp.Choices[0]
	msg := runtime.NewChatMessage(runtime.RoleAssistant, choice.Message.Content)
	return &runtime.TaskResult{
		Success:      true,
		Message:      &msg,
		FinishReason: mapFinishReason(string(choice.FinishReason)),
		Usage: runtime.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Metadata: map[string]any{"model": resp.Model},
	}, nil
}

// StreamExecute forwards upstream deltas one chunk at a time. Upstream
// errors mid-stream become the terminal error chunk.
func (e *openaiExecutor) StreamExecute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (<-chan runtime.StreamChunk, error) {
	stream := e.client.Chat.Completions.NewStreaming(ctx, e.params(messages, opts))

	out := make(chan runtime.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		emit := func(chunk runtime.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			event := stream.Current()
			if len(event.Choices) == 0 {
				continue
			}
			choice := event.Choices[0]
			if choice.FinishReason != "" {
				emit(runtime.StreamChunk{
					Content:      choice.Delta.Content,
					FinishReason: mapFinishReason(string(choice.FinishReason)),
				})
				return
			}
			if choice.Delta.Content == "" {
				continue
			}
			if !emit(runtime.StreamChunk{Content: choice.Delta.Content}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(runtime.StreamChunk{
				FinishReason: runtime.FinishReasonError,
				Metadata:     map[string]any{"error": err.Error()},
			})
			return
		}
		emit(runtime.StreamChunk{FinishReason: runtime.FinishReasonStop})
	}()
	return out, nil
}

// mapFinishReason translates upstream finish reasons to the runtime's set.
func mapFinishReason(reason string) runtime.FinishReason {
	switch reason {
	case "length":
		return runtime.FinishReasonLength
	case "content_filter":
		return runtime.FinishReasonContentFilter
	case "tool_calls", "function_call":
		return runtime.FinishReasonToolCalls
	default:
		return runtime.FinishReasonStop
	}
}
