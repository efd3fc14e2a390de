package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/mq"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
	"github.com/agentrun/agentrun/internal/runtime/registry"
)

// Backoff schedule for transient queue publish failures.
const (
	publishBackoffBase = 100 * time.Millisecond
	publishBackoffCap  = 10 * time.Second
)

// streamFullRetryDelay paces publish retries against a full stream queue.
// A slow consumer holds the producer here, which is the back-pressure
// mechanism for streams.
const streamFullRetryDelay = 20 * time.Millisecond

// worker consumes the task queue and drives agent executions. Several
// workers run concurrently; per-session serialisation comes from the
// instance lock, not from the worker count.
type worker struct {
	id     string
	m      *Manager
	logger *zap.Logger
}

func newWorker(id string, m *Manager) *worker {
	return &worker{
		id:     id,
		m:      m,
		logger: m.logger.Zap().With(zap.String("worker_id", id)),
	}
}

// run is the worker loop. The short consume timeout doubles as the
// shutdown poll interval.
func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-w.m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.m.queue.Consume(ctx, TaskQueueName, consumeInterval)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.logger.Error("Task consume failed", zap.Error(err))
			}
			continue
		}
		if msg == nil {
			continue
		}
		w.process(ctx, msg)
	}
}

// process runs one task end to end. Executor errors become error results
// or terminal error chunks; only transient queue errors lead to a requeue.
func (w *worker) process(ctx context.Context, msg *mq.QueueMessage) {
	var req runtime.TaskRequest
	if err := msg.Decode(&req); err != nil {
		w.logger.Error("Unparseable task request, dead-lettering",
			zap.String("message_id", msg.ID), zap.Error(err))
		_ = w.m.queue.Nack(ctx, TaskQueueName, msg.ID, false)
		return
	}

	ctx, span := w.m.tracer.Start(ctx, "worker.execute_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", req.TaskID),
		attribute.String("agent_id", req.AgentID),
		attribute.Bool("stream", req.Stream),
	)

	log := w.logger.With(
		zap.String("task_id", req.TaskID),
		zap.String("session_key", req.SessionKey()))

	cfg, factory, err := w.m.agents.Locate(req.AgentID)
	if err != nil {
		w.finishWithError(ctx, &req, msg, fmt.Errorf("agent lookup failed: %w", err))
		return
	}

	w.m.runningTasks.Add(1)
	defer w.m.runningTasks.Add(-1)

	// Holds the instance for the whole execution; tasks racing on the
	// same session key queue up here. The janitor can destroy an instance
	// between lookup and acquire, so a destroyed acquire is retried on a
	// fresh instance.
	var instance *registry.AgentInstance
	for {
		candidate, created, err := w.m.registry.GetOrCreate(cfg, req.SessionID, factory)
		if err != nil {
			w.finishWithError(ctx, &req, msg, fmt.Errorf("failed to instantiate agent: %w", err))
			return
		}
		if created {
			w.m.publishEvent(ctx, events.InstanceCreated, map[string]interface{}{
				"session_key": candidate.SessionKey,
				"agent_id":    candidate.AgentID,
				"template_id": cfg.TemplateID,
			})
		}
		candidate.BeginExecution()
		if !candidate.Destroyed() {
			instance = candidate
			break
		}
		candidate.EndExecution()
	}
	defer instance.EndExecution()

	sessionKey := req.SessionKey()
	w.m.contexts.GetOrCreate(sessionKey)
	w.m.contexts.Append(sessionKey, req.Messages...)
	history := w.m.contexts.History(sessionKey)

	deadline := req.Deadline()
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	opts := executor.ExecuteOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Metadata:    req.Metadata,
	}

	started := time.Now()
	if req.Stream {
		w.runStreaming(execCtx, &req, instance.Executor, history, opts, log)
	} else {
		w.runSingleShot(execCtx, &req, instance.Executor, history, opts, started, log)
	}

	w.m.contexts.Touch(sessionKey)
	_ = w.m.queue.Ack(ctx, TaskQueueName, msg.ID)
}

// runSingleShot executes a non-streaming task and publishes exactly one
// result to the result queue.
func (w *worker) runSingleShot(ctx context.Context, req *runtime.TaskRequest, exec executor.AgentExecutor, history []runtime.ChatMessage, opts executor.ExecuteOptions, started time.Time, log *zap.Logger) {
	result, err := safeExecute(ctx, exec, history, opts)
	if err != nil || result == nil {
		if err == nil {
			err = errors.New("executor returned no result")
		}
		result = runtime.ErrorResult(req.TaskID, err)
	}
	result.TaskID = req.TaskID
	result.ProcessingTimeMS = time.Since(started).Milliseconds()

	// A blown deadline is reported as truncation, not as an executor
	// failure: whatever was generated up to the cut is returned.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.FinishReason = runtime.FinishReasonLength
		if result.Metadata == nil {
			result.Metadata = make(map[string]any)
		}
		result.Metadata["error"] = "task deadline exceeded"
	}

	if result.Success && result.Message != nil {
		w.m.contexts.Append(req.SessionKey(), *result.Message)
	}

	w.publishResult(ctx, req, result, log)

	eventType := events.TaskCompleted
	if !result.Success {
		eventType = events.TaskFailed
	}
	w.m.publishEvent(ctx, eventType, map[string]interface{}{
		"task_id":            req.TaskID,
		"agent_id":           req.AgentID,
		"success":            result.Success,
		"finish_reason":      string(result.FinishReason),
		"processing_time_ms": result.ProcessingTimeMS,
	})
}

// runStreaming drains the executor's chunk channel into the task's stream
// queue. The worker owns chunk numbering and guarantees exactly one
// terminal chunk, synthesizing a stop when the producer ends without one.
func (w *worker) runStreaming(ctx context.Context, req *runtime.TaskRequest, exec executor.AgentExecutor, history []runtime.ChatMessage, opts executor.ExecuteOptions, log *zap.Logger) {
	streamQ := streamQueueName(req.TaskID)
	defer w.m.markStreamDone(req.TaskID)

	chunks, err := safeStreamExecute(ctx, exec, history, opts)
	if err != nil {
		w.publishTerminalError(ctx, streamQ, req.TaskID, 0, err)
		return
	}
	if chunks == nil {
		// Ranging over a nil channel would block here forever with the
		// instance held.
		w.publishTerminalError(ctx, streamQ, req.TaskID, 0, errors.New("executor returned no stream channel"))
		return
	}

	var assembled strings.Builder
	index := 0
	sawTerminal := false
	cancelled := false

	for chunk := range chunks {
		chunk.TaskID = req.TaskID
		chunk.ChunkIndex = index

		if chunk.IsTerminal() {
			sawTerminal = true
		}
		assembled.WriteString(chunk.Content)

		if err := w.publishChunk(ctx, streamQ, &chunk); err != nil {
			if errors.Is(err, mq.ErrQueueClosed) || errors.Is(err, mq.ErrQueueNotFound) {
				// Consumer cancelled the subscription; stop generating.
				cancelled = true
			} else if errors.Is(err, context.DeadlineExceeded) {
				w.publishTerminalTruncation(ctx, streamQ, req.TaskID, index)
				sawTerminal = true
			} else {
				log.Error("Stream chunk publish failed", zap.Error(err))
				w.publishTerminalError(ctx, streamQ, req.TaskID, index, err)
				sawTerminal = true
			}
			break
		}
		index++

		if sawTerminal {
			break
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.publishTerminalTruncation(ctx, streamQ, req.TaskID, index)
			sawTerminal = true
			break
		}
	}

	if !sawTerminal && !cancelled {
		// A producer that quit because the deadline fired gets a
		// truncation terminal, not a synthesized stop.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.publishTerminalTruncation(ctx, streamQ, req.TaskID, index)
		} else {
			terminal := runtime.StreamChunk{
				TaskID:       req.TaskID,
				FinishReason: runtime.FinishReasonStop,
				ChunkIndex:   index,
			}
			if err := w.publishChunk(ctx, streamQ, &terminal); err != nil {
				log.Warn("Failed to publish synthesized terminal chunk", zap.Error(err))
			}
		}
	}

	if assembled.Len() > 0 {
		w.m.contexts.Append(req.SessionKey(), runtime.NewChatMessage(runtime.RoleAssistant, assembled.String()))
	}
}

// publishChunk publishes one stream chunk, waiting out a full queue until
// the task deadline. Returns ErrQueueClosed when the consumer tore the
// stream down, context.DeadlineExceeded when the deadline fired while
// blocked.
func (w *worker) publishChunk(ctx context.Context, streamQ string, chunk *runtime.StreamChunk) error {
	msg, err := mq.NewMessage(mq.MessageTypeStreamChunk, chunk, mq.PriorityHigh, chunk.TaskID)
	if err != nil {
		return err
	}

	for {
		err := w.m.queue.Publish(ctx, streamQ, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, mq.ErrQueueFull) {
			return err
		}

		timer := time.NewTimer(streamFullRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// publishTerminalError emits the error-bearing terminal chunk for a
// failed streaming execution. Best-effort.
func (w *worker) publishTerminalError(ctx context.Context, streamQ, taskID string, index int, execErr error) {
	chunk := runtime.StreamChunk{
		TaskID:       taskID,
		FinishReason: runtime.FinishReasonError,
		Metadata:     map[string]any{"error": execErr.Error()},
		ChunkIndex:   index,
	}
	if err := w.publishChunk(ctx, streamQ, &chunk); err != nil {
		w.logger.Warn("Failed to publish terminal error chunk",
			zap.String("task_id", taskID), zap.Error(err))
	}
	w.m.publishEvent(ctx, events.TaskFailed, map[string]interface{}{
		"task_id": taskID,
		"error":   execErr.Error(),
	})
}

// publishTerminalTruncation emits the deadline-expiry terminal chunk.
func (w *worker) publishTerminalTruncation(ctx context.Context, streamQ, taskID string, index int) {
	chunk := runtime.StreamChunk{
		TaskID:       taskID,
		FinishReason: runtime.FinishReasonLength,
		Metadata:     map[string]any{"error": "task deadline exceeded"},
		ChunkIndex:   index,
	}
	// Publish outside the expired execution context.
	if err := w.publishChunk(context.WithoutCancel(ctx), streamQ, &chunk); err != nil {
		w.logger.Warn("Failed to publish truncation chunk",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// publishResult delivers a result to the result queue with exponential
// backoff on transient failures. Exhausted retries dead-letter the result.
func (w *worker) publishResult(ctx context.Context, req *runtime.TaskRequest, result *runtime.TaskResult, log *zap.Logger) {
	msg, err := mq.NewMessage(mq.MessageTypeTaskResult, result, mq.PriorityHigh, req.TaskID)
	if err != nil {
		log.Error("Failed to encode task result", zap.Error(err))
		return
	}
	msg.MaxRetries = w.m.config.MaxRetries

	// The expired task context must not block result delivery.
	pubCtx := context.WithoutCancel(ctx)

	delay := publishBackoffBase
	for attempt := 0; ; attempt++ {
		err := w.m.queue.Publish(pubCtx, ResultQueueName, msg)
		if err == nil {
			return
		}
		if attempt >= w.m.config.MaxRetries {
			log.Error("Result publish retries exhausted, dead-lettering",
				zap.Int("attempts", attempt+1), zap.Error(err))
			dlq := mq.DLQName(ResultQueueName)
			dlqMsg := *msg
			dlqMsg.RetryCount = attempt
			if dlqErr := w.m.queue.CreateQueue(pubCtx, dlq, 0); dlqErr != nil {
				log.Error("Dead-letter queue create failed", zap.Error(dlqErr))
				return
			}
			if dlqErr := w.m.queue.Publish(pubCtx, dlq, &dlqMsg); dlqErr != nil {
				log.Error("Dead-letter publish failed", zap.Error(dlqErr))
			}
			return
		}
		log.Warn("Result publish failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-pubCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > publishBackoffCap {
			delay = publishBackoffCap
		}
	}
}

// finishWithError reports a pre-execution failure (agent lookup,
// instantiation) through the task's normal delivery channel and acks the
// message; these failures are deterministic and never retried.
func (w *worker) finishWithError(ctx context.Context, req *runtime.TaskRequest, msg *mq.QueueMessage, taskErr error) {
	w.logger.Warn("Task failed before execution",
		zap.String("task_id", req.TaskID), zap.Error(taskErr))

	if req.Stream {
		w.publishTerminalError(ctx, streamQueueName(req.TaskID), req.TaskID, 0, taskErr)
		w.m.markStreamDone(req.TaskID)
	} else {
		w.publishResult(ctx, req, runtime.ErrorResult(req.TaskID, taskErr), w.logger)
	}
	_ = w.m.queue.Ack(ctx, TaskQueueName, msg.ID)
}

// safeExecute invokes an executor, converting panics into errors so a
// broken template cannot take a worker down.
func safeExecute(ctx context.Context, exec executor.AgentExecutor, history []runtime.ChatMessage, opts executor.ExecuteOptions) (result *runtime.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return exec.Execute(ctx, history, opts)
}

// safeStreamExecute is the streaming counterpart of safeExecute. Panics
// after the channel is returned are the executor's own responsibility; the
// contract requires executors to close their channel.
func safeStreamExecute(ctx context.Context, exec executor.AgentExecutor, history []runtime.ChatMessage, opts executor.ExecuteOptions) (chunks <-chan runtime.StreamChunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			chunks = nil
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return exec.StreamExecute(ctx, history, opts)
}
