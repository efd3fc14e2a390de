package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/events/bus"
	"github.com/agentrun/agentrun/internal/mq"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// funcFactory adapts a constructor function to executor.Factory.
type funcFactory struct {
	id  string
	new func(cfg *runtime.AgentConfiguration) (executor.AgentExecutor, error)
}

func (f funcFactory) Metadata() executor.Metadata {
	return executor.Metadata{TemplateID: f.id, TemplateVersion: "1.0"}
}

func (f funcFactory) New(cfg *runtime.AgentConfiguration) (executor.AgentExecutor, error) {
	return f.new(cfg)
}

// testLocator is a fixed agent table for manager tests.
type testLocator struct {
	mu     sync.RWMutex
	agents map[string]executor.Factory
}

func newTestLocator() *testLocator {
	return &testLocator{agents: make(map[string]executor.Factory)}
}

func (l *testLocator) add(agentID string, factory executor.Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[agentID] = factory
}

func (l *testLocator) Locate(agentID string) (*runtime.AgentConfiguration, executor.Factory, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	factory, ok := l.agents[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", runtime.ErrAgentNotFound, agentID)
	}
	meta := factory.Metadata()
	return &runtime.AgentConfiguration{ID: agentID, Name: agentID, TemplateID: meta.TemplateID}, factory, nil
}

// replyExecutor answers with a fixed transformation of the last user
// message, optionally recording execution intervals or failing.
type replyExecutor struct {
	delay time.Duration
	fail  bool

	mu    sync.Mutex
	spans [][2]time.Time
}

func (e *replyExecutor) Metadata() executor.Metadata {
	return executor.Metadata{TemplateID: "reply", TemplateVersion: "1.0"}
}

func (e *replyExecutor) ValidateConfig(map[string]any) executor.ValidationResult {
	return executor.ValidationResult{}
}

func lastUser(messages []runtime.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == runtime.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func (e *replyExecutor) Execute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (*runtime.TaskResult, error) {
	start := time.Now()
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
		}
	}
	e.mu.Lock()
	e.spans = append(e.spans, [2]time.Time{start, time.Now()})
	e.mu.Unlock()

	if e.fail {
		return &runtime.TaskResult{
			Success:      false,
			Error:        "synthetic failure",
			FinishReason: runtime.FinishReasonError,
			Metadata:     map[string]any{"error": "synthetic failure"},
		}, nil
	}
	msg := runtime.NewChatMessage(runtime.RoleAssistant, "re: "+lastUser(messages))
	return &runtime.TaskResult{Success: true, Message: &msg, FinishReason: runtime.FinishReasonStop}, nil
}

func (e *replyExecutor) StreamExecute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (<-chan runtime.StreamChunk, error) {
	words := strings.Fields("re: " + lastUser(messages))
	out := make(chan runtime.StreamChunk)
	go func() {
		defer close(out)
		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}
			if e.delay > 0 {
				select {
				case <-time.After(e.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- runtime.StreamChunk{Content: delta}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- runtime.StreamChunk{FinishReason: runtime.FinishReasonStop}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func staticFactory(exec executor.AgentExecutor) executor.Factory {
	return funcFactory{id: "reply", new: func(*runtime.AgentConfiguration) (executor.AgentExecutor, error) {
		return exec, nil
	}}
}

type testEnv struct {
	manager *Manager
	locator *testLocator
}

func setupManager(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	return setupManagerWithQueue(t, mq.NewMemoryQueue(testLogger(t)), mutate)
}

func setupManagerWithQueue(t *testing.T, queue mq.MessageQueue, mutate func(*Config)) *testEnv {
	t.Helper()
	log := testLogger(t)

	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.TaskTimeout = 5 * time.Second
	cfg.CleanupInterval = time.Hour
	cfg.InstanceTimeout = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}

	locator := newTestLocator()
	mgr := NewManager(cfg, queue, locator, bus.NewMemoryEventBus(log), log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = mgr.Stop()
		_ = queue.Close()
	})

	return &testEnv{manager: mgr, locator: locator}
}

func userRequest(agentID, sessionID, content string, stream bool) *runtime.TaskRequest {
	return &runtime.TaskRequest{
		AgentID:   agentID,
		SessionID: sessionID,
		Messages:  []runtime.ChatMessage{runtime.NewChatMessage(runtime.RoleUser, content)},
		Stream:    stream,
		Priority:  mq.PriorityNormal,
	}
}

func TestSubmitAndWaitResult(t *testing.T) {
	t.Run("single turn returns a success result", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", staticFactory(&replyExecutor{}))

		ctx := context.Background()
		taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "ping", false))
		require.NoError(t, err)
		require.NotEmpty(t, taskID)

		result, err := env.manager.WaitResult(ctx, taskID, 3*time.Second)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, taskID, result.TaskID)
		require.NotNil(t, result.Message)
		assert.Equal(t, runtime.RoleAssistant, result.Message.Role)
		assert.Equal(t, "re: ping", result.Message.Content)
		assert.Equal(t, runtime.FinishReasonStop, result.FinishReason)
	})

	t.Run("result is delivered exactly once", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", staticFactory(&replyExecutor{}))

		ctx := context.Background()
		taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "once", false))
		require.NoError(t, err)

		_, err = env.manager.WaitResult(ctx, taskID, 3*time.Second)
		require.NoError(t, err)

		_, err = env.manager.WaitResult(ctx, taskID, 100*time.Millisecond)
		assert.ErrorIs(t, err, runtime.ErrTimeout)
	})

	t.Run("unknown agent fails at submit time", func(t *testing.T) {
		env := setupManager(t, nil)

		_, err := env.manager.SubmitTask(context.Background(), userRequest("ghost", "s1", "hi", false))
		assert.ErrorIs(t, err, runtime.ErrAgentNotFound)
	})

	t.Run("empty messages fail validation", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", staticFactory(&replyExecutor{}))

		req := userRequest("a1", "s1", "hi", false)
		req.Messages = nil
		_, err := env.manager.SubmitTask(context.Background(), req)
		assert.ErrorIs(t, err, runtime.ErrValidation)
	})

	t.Run("wait on unknown task times out", func(t *testing.T) {
		env := setupManager(t, nil)

		_, err := env.manager.WaitResult(context.Background(), "no-such-task", 50*time.Millisecond)
		assert.ErrorIs(t, err, runtime.ErrTimeout)
	})

	t.Run("abandoned result is retained for a late waiter", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", staticFactory(&replyExecutor{}))

		ctx := context.Background()
		taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "late", false))
		require.NoError(t, err)

		// Let the task finish before anyone waits.
		time.Sleep(300 * time.Millisecond)

		result, err := env.manager.WaitResult(ctx, taskID, time.Second)
		require.NoError(t, err)
		assert.True(t, result.Success)
	})
}

func TestInstanceReuse(t *testing.T) {
	env := setupManager(t, nil)
	env.locator.add("a1", staticFactory(&replyExecutor{}))
	ctx := context.Background()

	taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "first", false))
	require.NoError(t, err)
	_, err = env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)

	stats := env.manager.Stats(ctx)
	require.Equal(t, 1, stats.ActiveInstances)

	taskID, err = env.manager.SubmitTask(ctx, userRequest("a1", "s1", "second", false))
	require.NoError(t, err)
	_, err = env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, env.manager.Stats(ctx).ActiveInstances)

	taskID, err = env.manager.SubmitTask(ctx, userRequest("a1", "s2", "third", false))
	require.NoError(t, err)
	_, err = env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, env.manager.Stats(ctx).ActiveInstances)
}

func TestPerSessionSerialisation(t *testing.T) {
	env := setupManager(t, nil)
	exec := &replyExecutor{delay: 60 * time.Millisecond}
	env.locator.add("a1", staticFactory(exec))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "shared", fmt.Sprintf("m%d", i), false))
			assert.NoError(t, err)
			result, err := env.manager.WaitResult(ctx, taskID, 5*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, taskID, result.TaskID)
		}(i)
	}
	wg.Wait()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.spans, 2)
	first, second := exec.spans[0], exec.spans[1]
	if first[0].After(second[0]) {
		first, second = second, first
	}
	assert.False(t, second[0].Before(first[1]),
		"second execution started before the first ended")
}

func TestStreaming(t *testing.T) {
	t.Run("chunk sequence ends with one terminal chunk", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", staticFactory(&replyExecutor{}))
		ctx := context.Background()

		taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "hello streaming world", true))
		require.NoError(t, err)

		chunks, err := env.manager.SubscribeStream(ctx, taskID)
		require.NoError(t, err)

		var collected []runtime.StreamChunk
		for chunk := range chunks {
			collected = append(collected, chunk)
		}
		require.NotEmpty(t, collected)

		var content strings.Builder
		for i, chunk := range collected {
			assert.Equal(t, i, chunk.ChunkIndex, "chunk index must ascend without gaps")
			assert.Equal(t, taskID, chunk.TaskID)
			if i < len(collected)-1 {
				assert.False(t, chunk.IsTerminal(), "only the last chunk may carry a finish reason")
			}
			content.WriteString(chunk.Content)
		}
		last := collected[len(collected)-1]
		require.True(t, last.IsTerminal())
		assert.Equal(t, runtime.FinishReasonStop, last.FinishReason)
		assert.Equal(t, "re: hello streaming world", content.String())
	})

	t.Run("subscribe to unknown task fails", func(t *testing.T) {
		env := setupManager(t, nil)
		_, err := env.manager.SubscribeStream(context.Background(), "no-such-task")
		assert.ErrorIs(t, err, runtime.ErrTaskNotFound)
	})

	t.Run("consumer cancellation releases the instance", func(t *testing.T) {
		env := setupManager(t, nil)
		exec := &replyExecutor{delay: 20 * time.Millisecond}
		env.locator.add("a1", staticFactory(exec))
		ctx := context.Background()

		taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "one two three four five six seven", true))
		require.NoError(t, err)

		streamCtx, cancel := context.WithCancel(ctx)
		chunks, err := env.manager.SubscribeStream(streamCtx, taskID)
		require.NoError(t, err)

		// Take one chunk, then walk away.
		<-chunks
		cancel()

		// The worker must notice the closed stream queue and release the
		// instance; a follow-up task on the session must complete.
		taskID, err = env.manager.SubmitTask(ctx, userRequest("a1", "s1", "after", false))
		require.NoError(t, err)
		result, err := env.manager.WaitResult(ctx, taskID, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("executor failure surfaces as a terminal error chunk", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", funcFactory{id: "broken", new: func(*runtime.AgentConfiguration) (executor.AgentExecutor, error) {
			return &panickyStreamExecutor{}, nil
		}})
		ctx := context.Background()

		taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "boom", true))
		require.NoError(t, err)

		chunks, err := env.manager.SubscribeStream(ctx, taskID)
		require.NoError(t, err)

		var collected []runtime.StreamChunk
		for chunk := range chunks {
			collected = append(collected, chunk)
		}
		require.NotEmpty(t, collected)
		last := collected[len(collected)-1]
		assert.Equal(t, runtime.FinishReasonError, last.FinishReason)
		assert.Contains(t, fmt.Sprint(last.Metadata["error"]), "panicked")
	})
}

// panickyStreamExecutor panics when asked to stream.
type panickyStreamExecutor struct{}

func (panickyStreamExecutor) Metadata() executor.Metadata {
	return executor.Metadata{TemplateID: "broken", TemplateVersion: "1.0"}
}
func (panickyStreamExecutor) ValidateConfig(map[string]any) executor.ValidationResult {
	return executor.ValidationResult{}
}
func (panickyStreamExecutor) Execute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (*runtime.TaskResult, error) {
	panic("execute exploded")
}
func (panickyStreamExecutor) StreamExecute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (<-chan runtime.StreamChunk, error) {
	panic("stream exploded")
}

func TestExecutorFailure(t *testing.T) {
	env := setupManager(t, nil)
	failing := &replyExecutor{fail: true}
	env.locator.add("a1", staticFactory(failing))
	ctx := context.Background()

	taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "fail", false))
	require.NoError(t, err)

	result, err := env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, runtime.FinishReasonError, result.FinishReason)
	assert.Equal(t, "synthetic failure", result.Error)
	assert.Equal(t, "synthetic failure", result.Metadata["error"])

	// The failure must not poison the instance.
	failing.fail = false
	taskID, err = env.manager.SubmitTask(ctx, userRequest("a1", "s1", "recover", false))
	require.NoError(t, err)
	result, err = env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, env.manager.Stats(ctx).ActiveInstances)
}

func TestExecutorPanicBecomesErrorResult(t *testing.T) {
	env := setupManager(t, nil)
	env.locator.add("a1", funcFactory{id: "broken", new: func(*runtime.AgentConfiguration) (executor.AgentExecutor, error) {
		return panickyStreamExecutor{}, nil
	}})
	ctx := context.Background()

	taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "boom", false))
	require.NoError(t, err)

	result, err := env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panicked")
}

func TestQueueSaturation(t *testing.T) {
	// No workers: nothing drains the size-one task queue.
	env := setupManager(t, func(cfg *Config) {
		cfg.Workers = 0
		cfg.TaskQueueSize = 1
	})
	env.locator.add("a1", staticFactory(&replyExecutor{}))
	ctx := context.Background()

	_, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "one", false))
	require.NoError(t, err)

	start := time.Now()
	_, err = env.manager.SubmitTask(ctx, userRequest("a1", "s2", "two", false))
	assert.ErrorIs(t, err, runtime.ErrQueueSaturated)
	assert.Less(t, time.Since(start), time.Second, "saturation must fail fast")
}

func TestJanitorReclaimsIdleInstances(t *testing.T) {
	env := setupManager(t, func(cfg *Config) {
		cfg.CleanupInterval = 50 * time.Millisecond
		cfg.InstanceTimeout = 100 * time.Millisecond
	})
	env.locator.add("a1", staticFactory(&replyExecutor{}))
	ctx := context.Background()

	taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "hi", false))
	require.NoError(t, err)
	_, err = env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, env.manager.Stats(ctx).ActiveInstances)

	require.Eventually(t, func() bool {
		return env.manager.Stats(ctx).ActiveInstances == 0
	}, 3*time.Second, 25*time.Millisecond, "idle instance was not reclaimed")

	// A fresh submission creates a new instance.
	taskID, err = env.manager.SubmitTask(ctx, userRequest("a1", "s1", "again", false))
	require.NoError(t, err)
	result, err := env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, env.manager.Stats(ctx).ActiveInstances)
}

func TestDestroySessionInstance(t *testing.T) {
	env := setupManager(t, nil)
	env.locator.add("a1", staticFactory(&replyExecutor{}))
	ctx := context.Background()

	taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "hi", false))
	require.NoError(t, err)
	_, err = env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)

	assert.True(t, env.manager.DestroySessionInstance("a1", "s1"))
	assert.False(t, env.manager.DestroySessionInstance("a1", "s1"))
	assert.Equal(t, 0, env.manager.Stats(ctx).ActiveInstances)
}

func TestStats(t *testing.T) {
	env := setupManager(t, func(cfg *Config) { cfg.Workers = 3 })
	env.locator.add("a1", staticFactory(&replyExecutor{}))
	ctx := context.Background()

	stats := env.manager.Stats(ctx)
	assert.Equal(t, 3, stats.WorkerCount)
	assert.Equal(t, "memory", stats.QueueType)
	require.NotNil(t, stats.TaskQueueStats)
	require.NotNil(t, stats.ResultQueueStats)
}

// dripExecutor streams content forever without a terminal chunk, pacing
// deltas so deadline handling can be observed mid-stream.
type dripExecutor struct {
	interval time.Duration
}

func (e *dripExecutor) Metadata() executor.Metadata {
	return executor.Metadata{TemplateID: "drip", TemplateVersion: "1.0"}
}

func (e *dripExecutor) ValidateConfig(map[string]any) executor.ValidationResult {
	return executor.ValidationResult{}
}

func (e *dripExecutor) Execute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (*runtime.TaskResult, error) {
	<-ctx.Done()
	msg := runtime.NewChatMessage(runtime.RoleAssistant, "partial")
	return &runtime.TaskResult{Success: true, Message: &msg, FinishReason: runtime.FinishReasonStop}, nil
}

func (e *dripExecutor) StreamExecute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (<-chan runtime.StreamChunk, error) {
	out := make(chan runtime.StreamChunk)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.interval):
			}
			select {
			case out <- runtime.StreamChunk{Content: "x "}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func TestDeadlineExpiry(t *testing.T) {
	t.Run("non-streaming result reports truncation", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", staticFactory(&replyExecutor{delay: 2 * time.Second}))
		ctx := context.Background()

		req := userRequest("a1", "s1", "slow", false)
		req.Timeout = 100 * time.Millisecond
		taskID, err := env.manager.SubmitTask(ctx, req)
		require.NoError(t, err)

		result, err := env.manager.WaitResult(ctx, taskID, 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, runtime.FinishReasonLength, result.FinishReason)
		assert.Equal(t, "task deadline exceeded", result.Metadata["error"])
	})

	t.Run("streaming terminal chunk reports truncation", func(t *testing.T) {
		env := setupManager(t, nil)
		env.locator.add("a1", staticFactory(&dripExecutor{interval: 20 * time.Millisecond}))
		ctx := context.Background()

		req := userRequest("a1", "s1", "slow", true)
		req.Timeout = 150 * time.Millisecond
		taskID, err := env.manager.SubmitTask(ctx, req)
		require.NoError(t, err)

		chunks, err := env.manager.SubscribeStream(ctx, taskID)
		require.NoError(t, err)

		var collected []runtime.StreamChunk
		for chunk := range chunks {
			collected = append(collected, chunk)
		}
		require.NotEmpty(t, collected)
		last := collected[len(collected)-1]
		require.True(t, last.IsTerminal())
		assert.Equal(t, runtime.FinishReasonLength, last.FinishReason)
		assert.Equal(t, "task deadline exceeded", fmt.Sprint(last.Metadata["error"]))
	})
}

// silentStreamExecutor violates the streaming contract by returning no
// channel and no error.
type silentStreamExecutor struct{}

func (silentStreamExecutor) Metadata() executor.Metadata {
	return executor.Metadata{TemplateID: "silent", TemplateVersion: "1.0"}
}

func (silentStreamExecutor) ValidateConfig(map[string]any) executor.ValidationResult {
	return executor.ValidationResult{}
}

func (silentStreamExecutor) Execute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (*runtime.TaskResult, error) {
	msg := runtime.NewChatMessage(runtime.RoleAssistant, "ok")
	return &runtime.TaskResult{Success: true, Message: &msg, FinishReason: runtime.FinishReasonStop}, nil
}

func (silentStreamExecutor) StreamExecute(ctx context.Context, messages []runtime.ChatMessage, opts executor.ExecuteOptions) (<-chan runtime.StreamChunk, error) {
	return nil, nil
}

func TestStreamExecutorWithoutChannel(t *testing.T) {
	env := setupManager(t, nil)
	env.locator.add("a1", funcFactory{id: "silent", new: func(*runtime.AgentConfiguration) (executor.AgentExecutor, error) {
		return silentStreamExecutor{}, nil
	}})
	ctx := context.Background()

	taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "hush", true))
	require.NoError(t, err)

	chunks, err := env.manager.SubscribeStream(ctx, taskID)
	require.NoError(t, err)

	var collected []runtime.StreamChunk
	for chunk := range chunks {
		collected = append(collected, chunk)
	}
	require.Len(t, collected, 1)
	assert.Equal(t, runtime.FinishReasonError, collected[0].FinishReason)
	assert.Contains(t, fmt.Sprint(collected[0].Metadata["error"]), "no stream channel")

	// The worker must have released the instance.
	taskID, err = env.manager.SubmitTask(ctx, userRequest("a1", "s1", "after", false))
	require.NoError(t, err)
	result, err := env.manager.WaitResult(ctx, taskID, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

var errResultBackendDown = errors.New("result backend down")

// resultRejectingQueue fails every publish to the result queue and passes
// everything else through.
type resultRejectingQueue struct {
	mq.MessageQueue
}

func (q *resultRejectingQueue) Publish(ctx context.Context, queue string, msg *mq.QueueMessage) error {
	if queue == ResultQueueName {
		return errResultBackendDown
	}
	return q.MessageQueue.Publish(ctx, queue, msg)
}

func TestResultPublishDeadLetter(t *testing.T) {
	inner := mq.NewMemoryQueue(testLogger(t))
	env := setupManagerWithQueue(t, &resultRejectingQueue{MessageQueue: inner}, func(cfg *Config) {
		cfg.MaxRetries = 1
	})
	env.locator.add("a1", staticFactory(&replyExecutor{}))
	ctx := context.Background()

	start := time.Now()
	taskID, err := env.manager.SubmitTask(ctx, userRequest("a1", "s1", "doomed", false))
	require.NoError(t, err)

	var delivered *mq.QueueMessage
	require.Eventually(t, func() bool {
		msg, err := inner.Consume(ctx, mq.DLQName(ResultQueueName), 10*time.Millisecond)
		if err != nil || msg == nil {
			return false
		}
		delivered = msg
		return true
	}, 3*time.Second, 20*time.Millisecond, "result never reached the dead-letter queue")

	// One backoff cycle ran before dead-lettering.
	assert.GreaterOrEqual(t, time.Since(start), publishBackoffBase)
	assert.Equal(t, 1, delivered.RetryCount)

	var result runtime.TaskResult
	require.NoError(t, delivered.Decode(&result))
	assert.Equal(t, taskID, result.TaskID)
	assert.True(t, result.Success)
}

func TestJanitorSweepStreams(t *testing.T) {
	log := testLogger(t)
	queue := mq.NewMemoryQueue(log)
	t.Cleanup(func() { _ = queue.Close() })

	cfg := DefaultConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	m := NewManager(cfg, queue, newTestLocator(), bus.NewMemoryEventBus(log), log)
	j := newJanitor(m)
	ctx := context.Background()

	has := func(taskID string) bool {
		m.streamsMu.Lock()
		defer m.streamsMu.Unlock()
		_, ok := m.streams[taskID]
		return ok
	}

	// Producer done, queue already deleted by its subscriber.
	m.streams["gone"] = &streamState{createdAt: time.Now(), producerDone: true}

	// Producer done, queue drained.
	require.NoError(t, queue.CreateQueue(ctx, streamQueueName("drained"), 0))
	m.streams["drained"] = &streamState{createdAt: time.Now(), producerDone: true}

	// Producer done, chunk still waiting for a consumer.
	require.NoError(t, queue.CreateQueue(ctx, streamQueueName("waiting"), 0))
	msg, err := mq.NewMessage(mq.MessageTypeStreamChunk, runtime.StreamChunk{Content: "x"}, mq.PriorityHigh, "waiting")
	require.NoError(t, err)
	require.NoError(t, queue.Publish(ctx, streamQueueName("waiting"), msg))
	m.streams["waiting"] = &streamState{createdAt: time.Now(), producerDone: true}

	// Producer still running.
	m.streams["live"] = &streamState{createdAt: time.Now()}

	j.sweepStreams(ctx)
	assert.False(t, has("gone"), "stream without a queue must be collected immediately")
	assert.True(t, has("drained"), "empty stream gets a grace cycle first")

	time.Sleep(2 * cfg.CleanupInterval)
	j.sweepStreams(ctx)
	assert.False(t, has("drained"), "empty stream past its grace cycle must be collected")
	assert.True(t, has("waiting"))
	assert.True(t, has("live"))
}
