// Package executor defines the stateless contract a template must satisfy
// to run inside the agent runtime, and the registry that resolves template
// factories for agent configurations.
//
// Executors own nothing but the act of turning (history + new messages)
// into a response; conversation context, instance caching, and session
// lifecycle belong to the task manager. Any reasoning state an executor
// wants to keep (compiled graphs, upstream clients) lives inside the value
// the factory produced, never in a call's inputs or outputs.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentrun/agentrun/internal/runtime"
)

// ConfigField describes one entry of a template's machine-readable
// configuration schema.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, object, array
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ConfigSchema is the full schema a template publishes for its
// configuration map.
type ConfigSchema struct {
	Fields []ConfigField `json:"fields"`
}

// Metadata identifies a template. Pure data.
type Metadata struct {
	TemplateID      string       `json:"template_id"`
	TemplateVersion string       `json:"template_version"`
	Description     string       `json:"description"`
	ConfigSchema    ConfigSchema `json:"config_schema"`
}

// ValidationResult collects configuration errors and warnings.
type ValidationResult struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether the configuration passed validation.
func (v ValidationResult) Valid() bool {
	return len(v.Errors) == 0
}

// AddError appends a validation error.
func (v *ValidationResult) AddError(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// AddWarning appends a validation warning.
func (v *ValidationResult) AddWarning(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// ExecuteOptions carries the per-call tuning knobs.
type ExecuteOptions struct {
	Temperature *float64
	MaxTokens   *int64
	Metadata    map[string]any
}

// AgentExecutor is the stateless execution contract.
//
// Execute runs one shot over the full conversation the manager chose to
// pass and must not retain references to its inputs after return.
//
// StreamExecute returns a finite, non-restartable channel of chunks. Each
// chunk carries only the delta since the previous one; the last chunk, and
// only the last, carries a FinishReason, after which the channel is
// closed. Producers must stop promptly when ctx is cancelled.
//
// Executor failures are reported as data: Execute returns a TaskResult
// with Success=false and FinishReason=error rather than an error for
// template-level failures; the error return is reserved for contract
// violations (nil config, broken transport) that the worker converts at
// its boundary.
type AgentExecutor interface {
	Metadata() Metadata
	ValidateConfig(config map[string]any) ValidationResult
	Execute(ctx context.Context, messages []runtime.ChatMessage, opts ExecuteOptions) (*runtime.TaskResult, error)
	StreamExecute(ctx context.Context, messages []runtime.ChatMessage, opts ExecuteOptions) (<-chan runtime.StreamChunk, error)
}

// Factory produces executors from agent configurations. One factory exists
// per (template id, template version).
type Factory interface {
	Metadata() Metadata
	New(cfg *runtime.AgentConfiguration) (AgentExecutor, error)
}

// Registry resolves template factories by id and version.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]map[string]Factory // template id -> version -> factory
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]map[string]Factory)}
}

// Register adds a factory under its metadata identity. Re-registering the
// same (id, version) replaces the factory.
func (r *Registry) Register(factory Factory) {
	meta := factory.Metadata()
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.factories[meta.TemplateID]
	if !ok {
		versions = make(map[string]Factory)
		r.factories[meta.TemplateID] = versions
	}
	versions[meta.TemplateVersion] = factory
}

// Resolve returns the factory for (templateID, version). An empty version
// matches when exactly one version is registered.
func (r *Registry) Resolve(templateID, version string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.factories[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: template %q", runtime.ErrTemplateNotFound, templateID)
	}
	if version == "" {
		if len(versions) == 1 {
			for _, factory := range versions {
				return factory, nil
			}
		}
		return nil, fmt.Errorf("%w: template %q has %d versions, one must be specified",
			runtime.ErrTemplateNotFound, templateID, len(versions))
	}
	factory, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: template %q version %q", runtime.ErrTemplateNotFound, templateID, version)
	}
	return factory, nil
}

// List returns the metadata of every registered template.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.factories))
	for _, versions := range r.factories {
		for _, factory := range versions {
			out = append(out, factory.Metadata())
		}
	}
	return out
}
