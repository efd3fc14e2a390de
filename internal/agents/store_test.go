package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
	"github.com/agentrun/agentrun/internal/templates"
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

func setupStore(t *testing.T) *Store {
	t.Helper()
	registry := executor.NewRegistry()
	registry.Register(templates.EchoFactory{})
	return NewStore(registry, testLogger(t))
}

func echoAgent(id string, configuration map[string]any) *runtime.AgentConfiguration {
	return &runtime.AgentConfiguration{
		ID:            id,
		Name:          "Agent " + id,
		TemplateID:    templates.EchoTemplateID,
		Configuration: configuration,
	}
}

func TestStoreCreate(t *testing.T) {
	t.Run("stores a valid configuration", func(t *testing.T) {
		s := setupStore(t)

		agent, result, err := s.Create(echoAgent("a1", nil))
		require.NoError(t, err)
		assert.True(t, result.Valid())
		require.NotNil(t, agent.Factory)
		assert.Equal(t, templates.EchoTemplateID, agent.Factory.Metadata().TemplateID)
	})

	t.Run("rejects a missing id", func(t *testing.T) {
		s := setupStore(t)
		_, _, err := s.Create(&runtime.AgentConfiguration{TemplateID: templates.EchoTemplateID})
		assert.ErrorIs(t, err, runtime.ErrValidation)
	})

	t.Run("rejects an unknown template", func(t *testing.T) {
		s := setupStore(t)
		_, _, err := s.Create(&runtime.AgentConfiguration{ID: "a1", TemplateID: "no-such-template"})
		assert.ErrorIs(t, err, runtime.ErrTemplateNotFound)
	})

	t.Run("rejects a configuration the template invalidates", func(t *testing.T) {
		s := setupStore(t)
		_, result, err := s.Create(echoAgent("a1", map[string]any{"prefix": 42}))
		assert.ErrorIs(t, err, runtime.ErrValidation)
		assert.False(t, result.Valid())
	})
}

func TestStoreLookup(t *testing.T) {
	s := setupStore(t)
	_, _, err := s.Create(echoAgent("a1", nil))
	require.NoError(t, err)

	t.Run("find returns the stored agent", func(t *testing.T) {
		agent, err := s.Find("a1")
		require.NoError(t, err)
		assert.Equal(t, "a1", agent.Config.ID)
	})

	t.Run("locate returns configuration and factory", func(t *testing.T) {
		cfg, factory, err := s.Locate("a1")
		require.NoError(t, err)
		assert.Equal(t, "a1", cfg.ID)
		require.NotNil(t, factory)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		_, err := s.Find("ghost")
		assert.ErrorIs(t, err, runtime.ErrAgentNotFound)

		_, _, err = s.Locate("ghost")
		assert.ErrorIs(t, err, runtime.ErrAgentNotFound)
	})

	t.Run("list snapshots all agents", func(t *testing.T) {
		_, _, err := s.Create(echoAgent("a2", nil))
		require.NoError(t, err)
		assert.Len(t, s.List(), 2)
	})
}

func TestStoreDelete(t *testing.T) {
	s := setupStore(t)
	_, _, err := s.Create(echoAgent("a1", nil))
	require.NoError(t, err)

	assert.True(t, s.Delete("a1"))
	assert.False(t, s.Delete("a1"))

	_, err = s.Find("a1")
	assert.ErrorIs(t, err, runtime.ErrAgentNotFound)
}

func TestStoreLoadFile(t *testing.T) {
	writeDefinitions := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "agents.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("loads agents from yaml", func(t *testing.T) {
		s := setupStore(t)
		path := writeDefinitions(t, `
agents:
  - id: support
    name: Support Agent
    template_id: echo
    configuration:
      prefix: "support: "
  - id: plain
    name: Plain Agent
    template_id: echo
`)
		require.NoError(t, s.LoadFile(path))
		assert.Len(t, s.List(), 2)

		agent, err := s.Find("support")
		require.NoError(t, err)
		assert.Equal(t, "support: ", agent.Config.Configuration["prefix"])
	})

	t.Run("invalid entry aborts the load", func(t *testing.T) {
		s := setupStore(t)
		path := writeDefinitions(t, `
agents:
  - id: bad
    template_id: no-such-template
`)
		err := s.LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad")
	})

	t.Run("missing file fails", func(t *testing.T) {
		s := setupStore(t)
		assert.Error(t, s.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		s := setupStore(t)
		path := writeDefinitions(t, "agents: [not: {valid")
		assert.Error(t, s.LoadFile(path))
	})
}
