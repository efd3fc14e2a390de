// Package mq provides the message queue transport used by the task manager.
// Three logical channel kinds (task, result, per-stream chunk) are
// distinguished by queue name convention; all share the same operations.
// The in-memory backend is always available; Redis and AMQP backends are
// pluggable behind the same interface.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by MessageQueue implementations.
var (
	// ErrQueueFull is returned by Publish when a bounded queue is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned by Publish when the queue has been deleted.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueNotFound is returned when an operation references an unknown queue.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrNotImplemented is returned by optional backends for unsupported
	// operations. The task manager treats it as a fatal configuration error
	// at startup.
	ErrNotImplemented = errors.New("operation not implemented by this backend")
	// ErrInvalidPriority is returned by ParsePriority for unknown names.
	ErrInvalidPriority = errors.New("invalid priority")
)

// MessagePriority orders messages within a queue. Higher values are
// consumed first; ties are broken FIFO.
type MessagePriority int

const (
	PriorityLow      MessagePriority = 0
	PriorityNormal   MessagePriority = 1
	PriorityHigh     MessagePriority = 2
	PriorityCritical MessagePriority = 3
)

// String returns the wire name of the priority.
func (p MessagePriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a wire name to a MessagePriority. The empty string
// means the caller did not choose and maps to PriorityNormal; any other
// unknown name is rejected.
func ParsePriority(s string) (MessagePriority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// MessageType identifies the payload kind carried by a QueueMessage.
type MessageType string

const (
	MessageTypeTaskRequest MessageType = "task_request"
	MessageTypeTaskResult  MessageType = "task_result"
	MessageTypeStreamChunk MessageType = "stream_chunk"
	MessageTypeControl     MessageType = "control"
)

// QueueMessage is the envelope copied into the queue. Payload is an opaque
// JSON document so every backend can move it without knowing its shape.
type QueueMessage struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      MessagePriority `json:"priority"`
	CorrelationID string          `json:"correlation_id"` // == task id
	CreatedAt     time.Time       `json:"created_at"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
}

// NewMessage builds a QueueMessage with a fresh UUID and the payload
// marshaled to JSON.
func NewMessage(msgType MessageType, payload any, priority MessagePriority, correlationID string) (*QueueMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &QueueMessage{
		ID:            uuid.New().String(),
		Type:          msgType,
		Payload:       data,
		Priority:      priority,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
		MaxRetries:    3,
	}, nil
}

// Decode unmarshals the payload into v.
func (m *QueueMessage) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// QueueStats reports per-queue counters.
type QueueStats struct {
	Pending             int     `json:"pending"`
	Processing          int     `json:"processing"`
	Completed           int64   `json:"completed"`
	Failed              int64   `json:"failed"`
	AverageProcessingMS float64 `json:"average_processing_time_ms"`
}

// MessageQueue is the capability-minimum transport contract.
//
// Publish is non-blocking: a full bounded queue yields ErrQueueFull and a
// deleted queue yields ErrQueueClosed. Consume blocks up to timeout and
// returns (nil, nil) when nothing arrived; a deleted queue returns
// (nil, nil) immediately. Ack of an unknown message id is a no-op. A nacked
// message with requeue=true re-enters the queue while retries remain,
// otherwise it moves to the companion dead-letter queue "<queue>:dlq".
type MessageQueue interface {
	CreateQueue(ctx context.Context, name string, maxSize int) error
	DeleteQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, queue string, msg *QueueMessage) error
	Consume(ctx context.Context, queue string, timeout time.Duration) (*QueueMessage, error)
	Ack(ctx context.Context, queue, messageID string) error
	Nack(ctx context.Context, queue, messageID string, requeue bool) error
	Stats(ctx context.Context, queue string) (*QueueStats, error)
	Close() error
}

// DLQName returns the dead-letter companion queue name.
func DLQName(queue string) string {
	return queue + ":dlq"
}
