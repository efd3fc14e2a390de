// Package contextstore keeps per-session conversation history and
// metadata. One ExecutionContext exists per session key; it lives next to
// the session's agent instance and is destroyed with it.
package contextstore

import (
	"sync"
	"time"

	"github.com/agentrun/agentrun/internal/runtime"
)

// ExecutionContext is the mutable conversation state of one session key.
// The task manager serialises execution per session, so all mutation of a
// single context is serial; the store lock only protects the map and the
// copied reads.
type ExecutionContext struct {
	SessionKey string
	History    []runtime.ChatMessage
	Metadata   map[string]any
	LastActive time.Time
}

// Store maintains one ExecutionContext per session key, bounded by
// maxHistory messages each.
type Store struct {
	mu         sync.RWMutex
	contexts   map[string]*ExecutionContext
	maxHistory int
}

// NewStore creates a context store. maxHistory below one is clamped to
// one: a zero cap is pathological and the floor wins.
func NewStore(maxHistory int) *Store {
	if maxHistory < 1 {
		maxHistory = 1
	}
	return &Store{
		contexts:   make(map[string]*ExecutionContext),
		maxHistory: maxHistory,
	}
}

// GetOrCreate returns the context for sessionKey, creating it on first use.
func (s *Store) GetOrCreate(sessionKey string) *ExecutionContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	ec, ok := s.contexts[sessionKey]
	if !ok {
		ec = &ExecutionContext{
			SessionKey: sessionKey,
			Metadata:   make(map[string]any),
			LastActive: time.Now().UTC(),
		}
		s.contexts[sessionKey] = ec
	}
	return ec
}

// Append adds messages to the session history and trims from the head when
// the cap is exceeded. Trimming never leaves a dangling assistant or tool
// turn at the head; if honoring that boundary would empty the history, a
// floor of one message wins.
func (s *Store) Append(sessionKey string, messages ...runtime.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ec, ok := s.contexts[sessionKey]
	if !ok {
		return
	}
	ec.History = append(ec.History, messages...)
	ec.History = trimHistory(ec.History, s.maxHistory)
}

// trimHistory drops the oldest messages beyond max, then advances the head
// to the next turn boundary (a system or user message).
func trimHistory(history []runtime.ChatMessage, max int) []runtime.ChatMessage {
	if len(history) <= max {
		return history
	}
	trimmed := history[len(history)-max:]

	boundary := 0
	for boundary < len(trimmed) &&
		(trimmed[boundary].Role == runtime.RoleAssistant || trimmed[boundary].Role == runtime.RoleTool) {
		boundary++
	}
	if boundary == len(trimmed) {
		// No boundary inside the window; keep the most recent message.
		trimmed = trimmed[len(trimmed)-1:]
	} else {
		trimmed = trimmed[boundary:]
	}

	// Reallocate so the trimmed prefix can be collected.
	out := make([]runtime.ChatMessage, len(trimmed))
	copy(out, trimmed)
	return out
}

// History returns a copy of the session's conversation, or nil for an
// unknown session.
func (s *Store) History(sessionKey string) []runtime.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, ok := s.contexts[sessionKey]
	if !ok {
		return nil
	}
	out := make([]runtime.ChatMessage, len(ec.History))
	copy(out, ec.History)
	return out
}

// SetMetadata records a provenance entry on the session context.
func (s *Store) SetMetadata(sessionKey, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ec, ok := s.contexts[sessionKey]; ok {
		ec.Metadata[key] = value
	}
}

// Touch updates the session's last-activity timestamp.
func (s *Store) Touch(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ec, ok := s.contexts[sessionKey]; ok {
		ec.LastActive = time.Now().UTC()
	}
}

// LastActive returns the session's last-activity timestamp.
func (s *Store) LastActive(sessionKey string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, ok := s.contexts[sessionKey]
	if !ok {
		return time.Time{}, false
	}
	return ec.LastActive, true
}

// Destroy discards the session context. Idempotent.
func (s *Store) Destroy(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, sessionKey)
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}
