// Package registry caches live agent instances keyed by session. The
// registry exclusively owns instance lifetimes; the task manager borrows
// instances for the duration of one execution under the per-instance lock.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
)

// InstanceState tracks the lifecycle of an agent instance.
type InstanceState string

const (
	StateInitializing InstanceState = "initializing"
	StateIdle         InstanceState = "idle"
	StateRunning      InstanceState = "running"
	StateDestroyed    InstanceState = "destroyed"
)

// AgentInstance is a live, template-produced runtime object bound to one
// (agent, session) pair. The executor inside may cache whatever reasoning
// state it wants (compiled graphs, upstream clients); the instance itself
// is opaque to the task manager.
type AgentInstance struct {
	SessionKey string
	AgentID    string
	SessionID  string
	Config     *runtime.AgentConfiguration
	Executor   executor.AgentExecutor
	CreatedAt  time.Time

	// execMu serialises executions on this instance. It is held for the
	// full duration of Execute/StreamExecute and doubles as the janitor's
	// "no task currently executing" predicate.
	execMu sync.Mutex

	stateMu   sync.Mutex
	state     InstanceState
	lastUsed  time.Time
	destroyed bool
}

// BeginExecution acquires the instance for one execution, blocking until
// any in-flight execution finishes. Transitions idle -> running.
func (i *AgentInstance) BeginExecution() {
	i.execMu.Lock()
	i.stateMu.Lock()
	i.state = StateRunning
	i.stateMu.Unlock()
}

// EndExecution releases the instance and stamps its last use.
// Transitions running -> idle.
func (i *AgentInstance) EndExecution() {
	i.stateMu.Lock()
	i.state = StateIdle
	i.lastUsed = time.Now().UTC()
	i.stateMu.Unlock()
	i.execMu.Unlock()
}

// TryAcquireIdle attempts to take the execution lock without blocking.
// The janitor uses it to guarantee it never reclaims a session with a
// task in flight. The caller must Release on success.
func (i *AgentInstance) TryAcquireIdle() bool {
	return i.execMu.TryLock()
}

// Release undoes TryAcquireIdle.
func (i *AgentInstance) Release() {
	i.execMu.Unlock()
}

// State returns the current lifecycle state.
func (i *AgentInstance) State() InstanceState {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.state
}

// LastUsed returns the time of the last completed execution (or creation).
func (i *AgentInstance) LastUsed() time.Time {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.lastUsed
}

// markDestroyed flips the instance to its terminal state.
func (i *AgentInstance) markDestroyed() {
	i.stateMu.Lock()
	i.state = StateDestroyed
	i.destroyed = true
	i.stateMu.Unlock()
}

// Destroyed reports whether the registry has removed this instance. Unlike
// State it is sticky: it stays true even if a caller that raced the removal
// drives further state transitions on the orphan.
func (i *AgentInstance) Destroyed() bool {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.destroyed
}

// InstanceInfo is an observability snapshot of one cached instance.
type InstanceInfo struct {
	SessionKey string        `json:"session_key"`
	AgentID    string        `json:"agent_id"`
	SessionID  string        `json:"session_id,omitempty"`
	State      InstanceState `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsed   time.Time     `json:"last_used"`
}

// Registry is the session-keyed instance cache.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*AgentInstance
	logger    *logger.Logger
}

// NewRegistry creates an empty instance registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		instances: make(map[string]*AgentInstance),
		logger:    log.WithFields(zap.String("component", "instance_registry")),
	}
}

// GetOrCreate returns the cached instance for (agent, session), building
// one through the factory on a miss. Instantiation is idempotent under
// concurrent callers for the same key: a lost race discards the loser's
// partially constructed instance and returns the winner's. The second
// return reports whether this call created the instance.
func (r *Registry) GetOrCreate(cfg *runtime.AgentConfiguration, sessionID string, factory executor.Factory) (*AgentInstance, bool, error) {
	key := runtime.SessionKey(cfg.ID, sessionID)

	r.mu.RLock()
	instance, ok := r.instances[key]
	r.mu.RUnlock()
	if ok {
		return instance, false, nil
	}

	// Build outside the registry lock; factories may do real work.
	exec, err := factory.New(cfg)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	candidate := &AgentInstance{
		SessionKey: key,
		AgentID:    cfg.ID,
		SessionID:  sessionID,
		Config:     cfg,
		Executor:   exec,
		CreatedAt:  now,
		state:      StateInitializing,
		lastUsed:   now,
	}

	r.mu.Lock()
	if winner, ok := r.instances[key]; ok {
		r.mu.Unlock()
		candidate.markDestroyed()
		return winner, false, nil
	}
	candidate.stateMu.Lock()
	candidate.state = StateIdle
	candidate.stateMu.Unlock()
	r.instances[key] = candidate
	r.mu.Unlock()

	r.logger.Debug("Agent instance created",
		zap.String("session_key", key),
		zap.String("template_id", cfg.TemplateID))
	return candidate, true, nil
}

// Get returns the cached instance for a session key, if any.
func (r *Registry) Get(sessionKey string) (*AgentInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.instances[sessionKey]
	return instance, ok
}

// List returns a snapshot of the active instances.
func (r *Registry) List() []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]InstanceInfo, 0, len(r.instances))
	for _, instance := range r.instances {
		out = append(out, InstanceInfo{
			SessionKey: instance.SessionKey,
			AgentID:    instance.AgentID,
			SessionID:  instance.SessionID,
			State:      instance.State(),
			CreatedAt:  instance.CreatedAt,
			LastUsed:   instance.LastUsed(),
		})
	}
	return out
}

// Len returns the number of cached instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Destroy removes an instance and releases its resources. Idempotent;
// returns whether an instance was removed.
func (r *Registry) Destroy(sessionKey string) bool {
	r.mu.Lock()
	instance, ok := r.instances[sessionKey]
	delete(r.instances, sessionKey)
	r.mu.Unlock()

	if !ok {
		return false
	}
	instance.markDestroyed()
	r.logger.Debug("Agent instance destroyed", zap.String("session_key", sessionKey))
	return true
}

// DestroyAllForAgent removes every session instance derived from an agent,
// used when the underlying agent configuration is deleted. Returns the
// session keys removed.
func (r *Registry) DestroyAllForAgent(agentID string) []string {
	r.mu.Lock()
	var removed []string
	for key, instance := range r.instances {
		if instance.AgentID == agentID {
			delete(r.instances, key)
			instance.markDestroyed()
			removed = append(removed, key)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.logger.Debug("Agent instances destroyed for agent",
			zap.String("agent_id", agentID),
			zap.Int("count", len(removed)))
	}
	return removed
}
