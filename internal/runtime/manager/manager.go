// Package manager provides the task manager that coordinates agent
// execution. It owns:
//
//   - Task intake and dispatch through the message queue
//   - The worker pool consuming the task queue
//   - Result correlation back to waiting submitters
//   - Stream channel lifecycle for streaming tasks
//   - The janitor reclaiming idle instances and stale stream queues
//
// The manager is an explicit value constructed at startup and passed down;
// tests construct throwaway managers over in-memory backends.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/events/bus"
	"github.com/agentrun/agentrun/internal/mq"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/contextstore"
	"github.com/agentrun/agentrun/internal/runtime/executor"
	"github.com/agentrun/agentrun/internal/runtime/registry"
)

// Queue names used by the task manager.
const (
	TaskQueueName   = "agent.tasks"
	ResultQueueName = "agent.results"
)

// streamQueueName returns the dedicated chunk queue for one task.
func streamQueueName(taskID string) string {
	return "stream:" + taskID
}

// consumeInterval is how long workers and the result router block per
// consume call before re-checking for shutdown.
const consumeInterval = 1 * time.Second

// resultRetention is how long an unclaimed result is kept for a late
// waiter before it is dropped.
const resultRetention = 30 * time.Second

// Common errors.
var (
	ErrManagerAlreadyRunning = errors.New("task manager is already running")
	ErrManagerNotRunning     = errors.New("task manager is not running")
)

// AgentLocator resolves an agent id to its configuration and the template
// factory resolved at configuration creation time.
type AgentLocator interface {
	Locate(agentID string) (*runtime.AgentConfiguration, executor.Factory, error)
}

// Config holds task manager configuration.
type Config struct {
	Workers         int
	QueueBackend    string
	TaskQueueSize   int
	StreamQueueSize int
	MaxRetries      int
	MaxHistory      int
	TaskTimeout     time.Duration
	CleanupInterval time.Duration
	InstanceTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         10,
		QueueBackend:    "memory",
		TaskQueueSize:   10000,
		StreamQueueSize: 128,
		MaxRetries:      3,
		MaxHistory:      100,
		TaskTimeout:     300 * time.Second,
		CleanupInterval: 3600 * time.Second,
		InstanceTimeout: 7200 * time.Second,
	}
}

// Stats is the observability snapshot exposed by the manager.
type Stats struct {
	WorkerCount      int            `json:"worker_count"`
	ActiveInstances  int            `json:"active_instances"`
	RunningTasks     int64          `json:"running_tasks"`
	QueueType        string         `json:"queue_type"`
	TaskQueueStats   *mq.QueueStats `json:"task_queue_stats,omitempty"`
	ResultQueueStats *mq.QueueStats `json:"result_queue_stats,omitempty"`
}

// streamState tracks one live stream queue for the janitor.
type streamState struct {
	createdAt    time.Time
	producerDone bool
	emptySince   time.Time
}

// retainedResult is a result whose waiter was not registered when the
// result arrived.
type retainedResult struct {
	result    *runtime.TaskResult
	expiresAt time.Time
}

// Manager accepts task requests, dispatches them to workers through the
// message queue, and routes results and stream chunks back to callers.
type Manager struct {
	config   Config
	logger   *logger.Logger
	queue    mq.MessageQueue
	agents   AgentLocator
	registry *registry.Registry
	contexts *contextstore.Store
	eventBus bus.EventBus
	tracer   trace.Tracer

	waitersMu sync.Mutex
	waiters   map[string]chan *runtime.TaskResult
	retained  map[string]retainedResult

	streamsMu sync.Mutex
	streams   map[string]*streamState

	runningTasks atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager wires a task manager over the given collaborators.
func NewManager(cfg Config, queue mq.MessageQueue, agents AgentLocator, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "task_manager")),
		queue:    queue,
		agents:   agents,
		registry: registry.NewRegistry(log),
		contexts: contextstore.NewStore(maxHistoryFromConfig(cfg)),
		eventBus: eventBus,
		tracer:   otel.Tracer("agentrun/runtime"),
		waiters:  make(map[string]chan *runtime.TaskResult),
		retained: make(map[string]retainedResult),
		streams:  make(map[string]*streamState),
		stopCh:   make(chan struct{}),
	}
}

// MaxHistory carried on Config; zero falls back to the documented default.
func maxHistoryFromConfig(cfg Config) int {
	if cfg.MaxHistory > 0 {
		return cfg.MaxHistory
	}
	return 100
}

// Start creates the task and result queues, spawns the workers, the
// result router, and the janitor. A backend that cannot create queues
// (including ErrNotImplemented from optional backends) is a fatal
// configuration error here, never at task time.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrManagerAlreadyRunning
	}

	if err := m.queue.CreateQueue(ctx, TaskQueueName, m.config.TaskQueueSize); err != nil {
		return fmt.Errorf("failed to create task queue: %w", err)
	}
	if err := m.queue.CreateQueue(ctx, ResultQueueName, m.config.TaskQueueSize); err != nil {
		return fmt.Errorf("failed to create result queue: %w", err)
	}

	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runResultRouter(ctx)
	}()

	for i := 0; i < m.config.Workers; i++ {
		worker := newWorker(fmt.Sprintf("worker-%d", i), m)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			worker.run(ctx)
		}()
	}

	janitor := newJanitor(m)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		janitor.run(ctx)
	}()

	m.logger.Info("Task manager started",
		zap.Int("workers", m.config.Workers),
		zap.String("queue_backend", m.config.QueueBackend))
	return nil
}

// Stop signals all background goroutines and waits for them. Workers
// finish their current task before exiting.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Task manager stopped")
	return nil
}

// SubmitTask validates and enqueues a task request, returning the task id.
// Fails synchronously with not-found, validation, saturation, or queue
// errors; everything after this point surfaces as result data.
func (m *Manager) SubmitTask(ctx context.Context, req *runtime.TaskRequest) (string, error) {
	ctx, span := m.tracer.Start(ctx, "manager.submit_task")
	defer span.End()

	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if req.Timeout <= 0 {
		req.Timeout = m.config.TaskTimeout
	}
	req.SubmittedAt = time.Now().UTC()
	span.SetAttributes(
		attribute.String("task_id", req.TaskID),
		attribute.String("agent_id", req.AgentID),
		attribute.Bool("stream", req.Stream),
	)

	if err := req.Validate(); err != nil {
		return "", err
	}
	if _, _, err := m.agents.Locate(req.AgentID); err != nil {
		return "", err
	}

	if req.Stream {
		streamQ := streamQueueName(req.TaskID)
		if err := m.queue.CreateQueue(ctx, streamQ, m.config.StreamQueueSize); err != nil {
			return "", fmt.Errorf("failed to create stream queue: %w", err)
		}
		m.streamsMu.Lock()
		m.streams[req.TaskID] = &streamState{createdAt: time.Now()}
		m.streamsMu.Unlock()
	}

	msg, err := mq.NewMessage(mq.MessageTypeTaskRequest, req, req.Priority, req.TaskID)
	if err != nil {
		return "", fmt.Errorf("failed to encode task request: %w", err)
	}
	msg.MaxRetries = m.config.MaxRetries

	if err := m.queue.Publish(ctx, TaskQueueName, msg); err != nil {
		if req.Stream {
			m.dropStream(ctx, req.TaskID)
		}
		if errors.Is(err, mq.ErrQueueFull) {
			return "", fmt.Errorf("%w: task queue at capacity", runtime.ErrQueueSaturated)
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	m.publishEvent(ctx, events.TaskSubmitted, map[string]interface{}{
		"task_id":  req.TaskID,
		"agent_id": req.AgentID,
		"stream":   req.Stream,
		"priority": req.Priority.String(),
	})
	return req.TaskID, nil
}

// WaitResult blocks until the result for taskID arrives or the timeout
// elapses. Results for other tasks are left for their owners. Abandoning
// the wait does not cancel the task; its result is retained briefly and
// then dropped.
func (m *Manager) WaitResult(ctx context.Context, taskID string, timeout time.Duration) (*runtime.TaskResult, error) {
	ch := make(chan *runtime.TaskResult, 1)

	m.waitersMu.Lock()
	if kept, ok := m.retained[taskID]; ok {
		delete(m.retained, taskID)
		m.waitersMu.Unlock()
		return kept.result, nil
	}
	m.waiters[taskID] = ch
	m.waitersMu.Unlock()

	defer func() {
		m.waitersMu.Lock()
		delete(m.waiters, taskID)
		m.waitersMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: task %s after %s", runtime.ErrTimeout, taskID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscribeStream returns the chunk sequence for a streaming task. The
// channel closes after the terminal chunk or when ctx is cancelled; either
// way the stream queue is deleted, which the producing worker observes as
// a closed queue and stops generating.
func (m *Manager) SubscribeStream(ctx context.Context, taskID string) (<-chan runtime.StreamChunk, error) {
	m.streamsMu.Lock()
	_, known := m.streams[taskID]
	m.streamsMu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: no stream for task %s", runtime.ErrTaskNotFound, taskID)
	}

	streamQ := streamQueueName(taskID)
	out := make(chan runtime.StreamChunk)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(out)
		defer m.dropStream(context.WithoutCancel(ctx), taskID)

		deadline := time.Now().Add(m.config.TaskTimeout)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			default:
			}
			if time.Now().After(deadline) {
				return
			}

			msg, err := m.queue.Consume(ctx, streamQ, consumeInterval)
			if err != nil || msg == nil {
				if err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warn("Stream consume failed",
						zap.String("task_id", taskID), zap.Error(err))
				}
				if err != nil {
					return
				}
				continue
			}

			var chunk runtime.StreamChunk
			if err := msg.Decode(&chunk); err != nil {
				m.logger.Error("Malformed stream chunk",
					zap.String("task_id", taskID), zap.Error(err))
				_ = m.queue.Ack(ctx, streamQ, msg.ID)
				continue
			}
			_ = m.queue.Ack(ctx, streamQ, msg.ID)

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.IsTerminal() {
				return
			}
		}
	}()

	return out, nil
}

// dropStream deletes a stream queue and forgets its state.
func (m *Manager) dropStream(ctx context.Context, taskID string) {
	m.streamsMu.Lock()
	delete(m.streams, taskID)
	m.streamsMu.Unlock()

	if err := m.queue.DeleteQueue(ctx, streamQueueName(taskID)); err != nil {
		m.logger.Warn("Failed to delete stream queue",
			zap.String("task_id", taskID), zap.Error(err))
	}
	m.publishEvent(ctx, events.StreamClosed, map[string]interface{}{"task_id": taskID})
}

// markStreamDone records that the producer finished so the janitor can
// collect an unconsumed stream after it drains.
func (m *Manager) markStreamDone(taskID string) {
	m.streamsMu.Lock()
	if st, ok := m.streams[taskID]; ok {
		st.producerDone = true
	}
	m.streamsMu.Unlock()
}

// runResultRouter consumes agent.results and hands each result to its
// registered waiter. Unclaimed results are retained for a short window.
func (m *Manager) runResultRouter(ctx context.Context) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := m.queue.Consume(ctx, ResultQueueName, consumeInterval)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.logger.Error("Result consume failed", zap.Error(err))
			}
			continue
		}
		if msg == nil {
			m.pruneRetained()
			continue
		}

		var result runtime.TaskResult
		if err := msg.Decode(&result); err != nil {
			m.logger.Error("Malformed task result",
				zap.String("message_id", msg.ID), zap.Error(err))
			_ = m.queue.Nack(ctx, ResultQueueName, msg.ID, false)
			continue
		}
		_ = m.queue.Ack(ctx, ResultQueueName, msg.ID)

		m.waitersMu.Lock()
		if ch, ok := m.waiters[result.TaskID]; ok {
			delete(m.waiters, result.TaskID)
			ch <- &result
		} else {
			m.retained[result.TaskID] = retainedResult{
				result:    &result,
				expiresAt: time.Now().Add(resultRetention),
			}
		}
		m.waitersMu.Unlock()
	}
}

// pruneRetained drops unclaimed results past their retention window.
func (m *Manager) pruneRetained() {
	now := time.Now()
	m.waitersMu.Lock()
	for taskID, kept := range m.retained {
		if now.After(kept.expiresAt) {
			delete(m.retained, taskID)
		}
	}
	m.waitersMu.Unlock()
}

// ListInstances returns a snapshot of cached agent instances.
func (m *Manager) ListInstances() []registry.InstanceInfo {
	return m.registry.List()
}

// DestroySessionInstance removes one session's instance and its
// conversation context. Idempotent.
func (m *Manager) DestroySessionInstance(agentID, sessionID string) bool {
	key := runtime.SessionKey(agentID, sessionID)
	destroyed := m.registry.Destroy(key)
	m.contexts.Destroy(key)
	return destroyed
}

// DestroyAgentInstances removes every session instance for an agent, used
// when the agent configuration is deleted.
func (m *Manager) DestroyAgentInstances(agentID string) int {
	removed := m.registry.DestroyAllForAgent(agentID)
	for _, key := range removed {
		m.contexts.Destroy(key)
	}
	return len(removed)
}

// Stats reports the manager's observability counters.
func (m *Manager) Stats(ctx context.Context) *Stats {
	stats := &Stats{
		WorkerCount:     m.config.Workers,
		ActiveInstances: m.registry.Len(),
		RunningTasks:    m.runningTasks.Load(),
		QueueType:       m.config.QueueBackend,
	}
	if ts, err := m.queue.Stats(ctx, TaskQueueName); err == nil {
		stats.TaskQueueStats = ts
	}
	if rs, err := m.queue.Stats(ctx, ResultQueueName); err == nil {
		stats.ResultQueueStats = rs
	}
	return stats
}

// publishEvent emits a best-effort runtime notification.
func (m *Manager) publishEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "task_manager", data)
	if err := m.eventBus.Publish(ctx, events.Subject(eventType), event); err != nil {
		m.logger.Debug("Event publish failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
