// Package runtime defines the value types exchanged between the execution
// service, the task manager, and agent executors: chat messages, task
// requests and results, and stream chunks. All of them are copied into the
// message queue, so every field is JSON-serializable and the free-form
// Metadata map is the only extension surface.
package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentrun/agentrun/internal/mq"
)

// Error kinds surfaced across the submit/result boundary.
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrValidation       = errors.New("invalid task request")
	ErrQueueSaturated   = errors.New("task queue saturated")
	ErrTimeout          = errors.New("timed out waiting for task result")
	ErrCancelled        = errors.New("stream cancelled by consumer")
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonError         FinishReason = "error"
)

// ChatMessage is one immutable conversation turn.
type ChatMessage struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewChatMessage builds a message stamped with the current time.
func NewChatMessage(role Role, content string) ChatMessage {
	return ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Equal reports message equality by role, content, and timestamp.
func (m ChatMessage) Equal(other ChatMessage) bool {
	return m.Role == other.Role &&
		m.Content == other.Content &&
		m.Timestamp.Equal(other.Timestamp)
}

// Usage carries token accounting for one execution.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// TaskRequest is one request for one execution, single-shot or streaming.
type TaskRequest struct {
	TaskID      string             `json:"task_id"`
	AgentID     string             `json:"agent_id"`
	SessionID   string             `json:"session_id,omitempty"`
	Messages    []ChatMessage      `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   *int64             `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	Priority    mq.MessagePriority `json:"priority"`
	Timeout     time.Duration      `json:"timeout"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

// Validate checks the request shape before it is queued.
func (r *TaskRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrValidation)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrValidation)
	}
	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("%w: message %d has invalid role %q", ErrValidation, i, msg.Role)
		}
	}
	if r.Priority < mq.PriorityLow || r.Priority > mq.PriorityCritical {
		return fmt.Errorf("%w: invalid priority %d", ErrValidation, r.Priority)
	}
	return nil
}

// SessionKey is the sole identity under which instances are cached:
// "{agent_id}#{session_id}", or the bare agent id when the caller supplied
// no session (one implicit session per agent).
func (r *TaskRequest) SessionKey() string {
	return SessionKey(r.AgentID, r.SessionID)
}

// Deadline returns the effective execution deadline.
func (r *TaskRequest) Deadline() time.Time {
	return r.SubmittedAt.Add(r.Timeout)
}

// SessionKey composes the registry key for an (agent, session) pair.
func SessionKey(agentID, sessionID string) string {
	if sessionID == "" {
		return agentID
	}
	return agentID + "#" + sessionID
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	TaskID           string         `json:"task_id"`
	Success          bool           `json:"success"`
	Message          *ChatMessage   `json:"message,omitempty"`
	Error            string         `json:"error,omitempty"`
	Usage            Usage          `json:"usage"`
	FinishReason     FinishReason   `json:"finish_reason"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
}

// ErrorResult builds a failed TaskResult carrying the error text in both
// the error field and the metadata, as callers expect.
func ErrorResult(taskID string, err error) *TaskResult {
	return &TaskResult{
		TaskID:       taskID,
		Success:      false,
		Error:        err.Error(),
		FinishReason: FinishReasonError,
		Metadata:     map[string]any{"error": err.Error()},
	}
}

// StreamChunk is one incremental delta of a streamed response. Content is
// the delta only, never cumulative. Exactly the last chunk of a stream
// carries a non-empty FinishReason.
type StreamChunk struct {
	TaskID       string         `json:"task_id"`
	Content      string         `json:"content"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ChunkIndex   int            `json:"chunk_index"`
}

// IsTerminal reports whether this chunk closes its stream.
func (c *StreamChunk) IsTerminal() bool {
	return c.FinishReason != ""
}

// AgentConfiguration is the stored definition a caller addresses by agent
// id. The template reference is resolved once at creation time; the
// resulting executor factory travels with the configuration so no string
// lookup happens per execution.
type AgentConfiguration struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion string         `json:"template_version"`
	Configuration   map[string]any `json:"configuration,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
