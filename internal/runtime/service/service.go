// Package service implements the execution service, the thin facade the
// HTTP gateway calls for OpenAI-compatible completions. It resolves the
// addressed agent, shapes a task request, drives the task manager, and
// converts outcomes to wire DTOs. All queueing, instance, and session
// semantics live below it in the manager.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/agents"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/mq"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/manager"
	v1 "github.com/agentrun/agentrun/pkg/api/v1"
)

// ErrExecution marks a task that ran but failed inside its executor. The
// gateway maps it to a 5xx.
var ErrExecution = errors.New("execution failed")

// waitGrace pads the submitter-side wait beyond the task deadline so the
// worker's own timeout handling wins the race and its result is observed.
const waitGrace = 5 * time.Second

// Service is the execution facade.
type Service struct {
	manager *manager.Manager
	agents  *agents.Store
	timeout time.Duration
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewService builds the facade. taskTimeout is the per-task deadline
// applied to requests that carry none.
func NewService(mgr *manager.Manager, store *agents.Store, taskTimeout time.Duration, log *logger.Logger) *Service {
	return &Service{
		manager: mgr,
		agents:  store,
		timeout: taskTimeout,
		logger:  log.WithFields(zap.String("component", "execution_service")),
		tracer:  otel.Tracer("agentrun/service"),
	}
}

// buildTaskRequest converts a wire request into a task request, minting a
// session id when the caller supplied none. The (possibly minted) session
// id is returned for echoing in response metadata.
func (s *Service) buildTaskRequest(req *v1.ChatCompletionRequest, stream bool) (*runtime.TaskRequest, string, error) {
	priority, err := mq.ParsePriority(req.Priority)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", runtime.ErrValidation, err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		if v, ok := req.Metadata["session_id"].(string); ok && v != "" {
			sessionID = v
		} else {
			sessionID = uuid.New().String()
		}
	}

	messages := make([]runtime.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, runtime.NewChatMessage(runtime.Role(m.Role), m.Content))
	}

	return &runtime.TaskRequest{
		AgentID:     req.Model,
		SessionID:   sessionID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
		Metadata:    req.Metadata,
		Priority:    priority,
		Timeout:     s.timeout,
	}, sessionID, nil
}

// Complete runs one non-streaming completion end to end.
func (s *Service) Complete(ctx context.Context, req *v1.ChatCompletionRequest) (*v1.ChatCompletionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.complete")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", req.Model))

	taskReq, sessionID, err := s.buildTaskRequest(req, false)
	if err != nil {
		return nil, err
	}

	taskID, err := s.manager.SubmitTask(ctx, taskReq)
	if err != nil {
		return nil, err
	}

	result, err := s.manager.WaitResult(ctx, taskID, taskReq.Timeout+waitGrace)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrExecution, result.Error)
	}

	content := ""
	if result.Message != nil {
		content = result.Message.Content
	}
	resp := &v1.ChatCompletionResponse{
		ID:      "chatcmpl-" + taskID,
		Object:  v1.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []v1.ChatCompletionChoice{{
			Index:        0,
			Message:      v1.ChatMessage{Role: string(runtime.RoleAssistant), Content: content},
			FinishReason: string(result.FinishReason),
		}},
		Usage: v1.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Metadata: map[string]interface{}{"session_id": sessionID},
	}
	for k, v := range result.Metadata {
		if k != "session_id" {
			resp.Metadata[k] = v
		}
	}
	return resp, nil
}

// StreamComplete submits a streaming completion and returns the chunk
// sequence already converted to wire DTOs. The channel ends after the
// terminal chunk; the caller frames the sentinel. Cancelling ctx tears the
// subscription down, which stops the producing worker.
func (s *Service) StreamComplete(ctx context.Context, req *v1.ChatCompletionRequest) (<-chan v1.ChatCompletionChunk, error) {
	ctx, span := s.tracer.Start(ctx, "service.stream_complete")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", req.Model))

	taskReq, sessionID, err := s.buildTaskRequest(req, true)
	if err != nil {
		return nil, err
	}

	taskID, err := s.manager.SubmitTask(ctx, taskReq)
	if err != nil {
		return nil, err
	}

	chunks, err := s.manager.SubscribeStream(ctx, taskID)
	if err != nil {
		return nil, err
	}

	out := make(chan v1.ChatCompletionChunk)
	go func() {
		defer close(out)
		created := time.Now().Unix()
		first := true
		for chunk := range chunks {
			wire := v1.ChatCompletionChunk{
				ID:      "chatcmpl-" + taskID,
				Object:  v1.ObjectChatCompletionChunk,
				Created: created,
				Model:   req.Model,
				Choices: []v1.ChatCompletionChunkChoice{{
					Index: 0,
					Delta: v1.ChatCompletionDelta{Content: chunk.Content},
				}},
			}
			if first {
				wire.Choices[0].Delta.Role = string(runtime.RoleAssistant)
				wire.Metadata = map[string]interface{}{"session_id": sessionID}
				first = false
			}
			if chunk.IsTerminal() {
				reason := string(chunk.FinishReason)
				wire.Choices[0].FinishReason = &reason
				if len(chunk.Metadata) > 0 {
					if wire.Metadata == nil {
						wire.Metadata = make(map[string]interface{})
					}
					for k, v := range chunk.Metadata {
						wire.Metadata[k] = v
					}
				}
			}
			select {
			case out <- wire:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListModels exposes stored agents in the models listing shape.
func (s *Service) ListModels() v1.ModelList {
	configs := s.agents.List()
	models := make([]v1.Model, 0, len(configs))
	for _, cfg := range configs {
		models = append(models, v1.Model{
			ID:      cfg.ID,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "agentrun",
		})
	}
	return v1.ModelList{Object: "list", Data: models}
}
