// Package agents keeps the in-memory store of agent configurations. Each
// stored agent carries the template factory resolved once at creation
// time, so execution never looks templates up by string id.
package agents

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
)

// Agent couples a stored configuration with its resolved factory.
type Agent struct {
	Config  *runtime.AgentConfiguration
	Factory executor.Factory
}

// Store is the in-memory agent configuration store.
type Store struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	templates *executor.Registry
	logger    *logger.Logger
}

// NewStore creates an empty store backed by the given template registry.
func NewStore(templates *executor.Registry, log *logger.Logger) *Store {
	return &Store{
		agents:    make(map[string]*Agent),
		templates: templates,
		logger:    log.WithFields(zap.String("component", "agent_store")),
	}
}

// Create resolves the configuration's template, validates the
// configuration against it, and stores the agent. A configuration that
// fails validation is rejected; warnings are returned alongside success.
func (s *Store) Create(cfg *runtime.AgentConfiguration) (*Agent, executor.ValidationResult, error) {
	var result executor.ValidationResult

	if cfg.ID == "" {
		return nil, result, fmt.Errorf("%w: agent id is required", runtime.ErrValidation)
	}

	factory, err := s.templates.Resolve(cfg.TemplateID, cfg.TemplateVersion)
	if err != nil {
		return nil, result, err
	}

	probe, err := factory.New(cfg)
	if err != nil {
		return nil, result, fmt.Errorf("failed to instantiate template %q: %w", cfg.TemplateID, err)
	}
	result = probe.ValidateConfig(cfg.Configuration)
	if !result.Valid() {
		return nil, result, fmt.Errorf("%w: configuration rejected by template %q", runtime.ErrValidation, cfg.TemplateID)
	}

	agent := &Agent{Config: cfg, Factory: factory}

	s.mu.Lock()
	s.agents[cfg.ID] = agent
	s.mu.Unlock()

	s.logger.Info("Agent configuration stored",
		zap.String("agent_id", cfg.ID),
		zap.String("template_id", cfg.TemplateID),
		zap.Int("warnings", len(result.Warnings)))
	return agent, result, nil
}

// Find returns the agent configuration for an id.
func (s *Store) Find(agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", runtime.ErrAgentNotFound, agentID)
	}
	return agent, nil
}

// Locate returns the configuration and resolved factory for an agent id.
// This is the lookup shape the task manager consumes.
func (s *Store) Locate(agentID string) (*runtime.AgentConfiguration, executor.Factory, error) {
	agent, err := s.Find(agentID)
	if err != nil {
		return nil, nil, err
	}
	return agent.Config, agent.Factory, nil
}

// List returns a snapshot of all stored configurations.
func (s *Store) List() []*runtime.AgentConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*runtime.AgentConfiguration, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent.Config)
	}
	return out
}

// Delete removes an agent configuration. Idempotent; returns whether an
// agent was removed.
func (s *Store) Delete(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return false
	}
	delete(s.agents, agentID)
	return true
}

// definitionsFile is the YAML shape of an agent definitions file.
type definitionsFile struct {
	Agents []struct {
		ID              string         `yaml:"id"`
		Name            string         `yaml:"name"`
		TemplateID      string         `yaml:"template_id"`
		TemplateVersion string         `yaml:"template_version"`
		Configuration   map[string]any `yaml:"configuration"`
		Metadata        map[string]any `yaml:"metadata"`
	} `yaml:"agents"`
}

// LoadFile creates agents from a YAML definitions file. Invalid entries
// abort the load so a bad file is noticed at startup, not at first use.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent definitions %s: %w", path, err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent definitions %s: %w", path, err)
	}

	for _, def := range file.Agents {
		cfg := &runtime.AgentConfiguration{
			ID:              def.ID,
			Name:            def.Name,
			TemplateID:      def.TemplateID,
			TemplateVersion: def.TemplateVersion,
			Configuration:   def.Configuration,
			Metadata:        def.Metadata,
		}
		if _, _, err := s.Create(cfg); err != nil {
			return fmt.Errorf("agent %q in %s: %w", def.ID, path, err)
		}
	}

	s.logger.Info("Agent definitions loaded",
		zap.String("path", path),
		zap.Int("count", len(file.Agents)))
	return nil
}
