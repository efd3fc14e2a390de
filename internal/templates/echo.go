package templates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
)

// EchoTemplateID identifies the built-in deterministic template. It needs
// no upstream credentials, which makes it the default agent's template and
// the fixture most tests run against.
const (
	EchoTemplateID      = "echo"
	EchoTemplateVersion = "1.0"
)

// EchoFactory produces echo executors.
type EchoFactory struct{}

// Metadata implements executor.Factory.
func (EchoFactory) Metadata() executor.Metadata {
	return executor.Metadata{
		TemplateID:      EchoTemplateID,
		TemplateVersion: EchoTemplateVersion,
		Description:     "Deterministic executor that echoes the last user message",
		ConfigSchema: executor.ConfigSchema{
			Fields: []executor.ConfigField{
				{
					Name:        "prefix",
					Type:        "string",
					Description: "Text prepended to every response",
					Default:     "",
				},
				{
					Name:        "chunk_delay_ms",
					Type:        "number",
					Description: "Artificial delay between stream chunks, for testing back-pressure",
					Default:     0,
				},
			},
		},
	}
}

// New implements executor.Factory.
func (f EchoFactory) New(cfg *runtime.AgentConfiguration) (executor.AgentExecutor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent configuration is required")
	}
	exec := &echoExecutor{meta: f.Metadata()}
	if cfg.Configuration != nil {
		if prefix, ok := cfg.Configuration["prefix"].(string); ok {
			exec.prefix = prefix
		}
		if delay, ok := asFloat(cfg.Configuration["chunk_delay_ms"]); ok {
			exec.chunkDelay = time.Duration(delay) * time.Millisecond
		}
	}
	return exec, nil
}

type echoExecutor struct {
	meta       executor.Metadata
	prefix     string
	chunkDelay time.Duration
}

func (e *echoExecutor) Metadata() executor.Metadata {
	return e.meta
}

func (e *echoExecutor) ValidateConfig(config map[string]any) executor.ValidationResult {
	var result executor.ValidationResult
	if config == nil {
		return result
	}
	if raw, ok := config["prefix"]; ok {
		if _, isString := raw.(string); !isString {
			result.AddError("prefix must be a string, got %T", raw)
		}
	}
	if raw, ok := config["chunk_delay_ms"]; ok {
		if _, isNum := asFloat(raw); !isNum {
			result.AddError("chunk_delay_ms must be a number, got %T", raw)
		}
	}
	return result
}

// respond derives the echo response from the last user turn.
func (e *echoExecutor) respond(messages []runtime.ChatMessage) string {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == runtime.RoleUser {
			last = messages[i].Content
			break
		}
	}
	if last == "" {
		last = "(empty)"
	}
	return e.prefix + last
}

func (e *echoExecutor) Execute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (*runtime.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := e.respond(messages)
	msg := runtime.NewChatMessage(runtime.RoleAssistant, content)
	return &runtime.TaskResult{
		Success:      true,
		Message:      &msg,
		FinishReason: runtime.FinishReasonStop,
		Usage: runtime.Usage{
			PromptTokens:     approxTokens(messages),
			CompletionTokens: len(strings.Fields(content)),
			TotalTokens:      approxTokens(messages) + len(strings.Fields(content)),
		},
	}, nil
}

// StreamExecute emits the response word by word, one delta per chunk,
// then a single terminal stop chunk.
func (e *echoExecutor) StreamExecute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (<-chan runtime.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := e.respond(messages)
	words := strings.Fields(content)

	out := make(chan runtime.StreamChunk)
	go func() {
		defer close(out)
		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}
			select {
			case out <- runtime.StreamChunk{Content: delta}:
			case <-ctx.Done():
				return
			}
			if e.chunkDelay > 0 {
				select {
				case <-time.After(e.chunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case out <- runtime.StreamChunk{FinishReason: runtime.FinishReasonStop}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// approxTokens is a crude word-count proxy; the echo template has no real
// tokenizer.
func approxTokens(messages []runtime.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(strings.Fields(m.Content))
	}
	return total
}

// asFloat coerces the numeric types JSON and YAML decoding produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
