package contextstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/runtime"
)

func msg(role runtime.Role, content string) runtime.ChatMessage {
	return runtime.NewChatMessage(role, content)
}

func TestStoreAppendAndHistory(t *testing.T) {
	t.Run("history grows by appended messages", func(t *testing.T) {
		s := NewStore(100)
		s.GetOrCreate("a1#s1")

		s.Append("a1#s1", msg(runtime.RoleUser, "hi"))
		s.Append("a1#s1", msg(runtime.RoleAssistant, "hello"))

		history := s.History("a1#s1")
		require.Len(t, history, 2)
		assert.Equal(t, runtime.RoleUser, history[0].Role)
		assert.Equal(t, runtime.RoleAssistant, history[1].Role)
	})

	t.Run("history returns a copy", func(t *testing.T) {
		s := NewStore(100)
		s.GetOrCreate("k")
		s.Append("k", msg(runtime.RoleUser, "original"))

		history := s.History("k")
		history[0].Content = "mutated"

		assert.Equal(t, "original", s.History("k")[0].Content)
	})

	t.Run("append to unknown session is a no-op", func(t *testing.T) {
		s := NewStore(100)
		s.Append("missing", msg(runtime.RoleUser, "hi"))
		assert.Nil(t, s.History("missing"))
	})
}

func TestStoreTrim(t *testing.T) {
	t.Run("trims oldest messages beyond the cap", func(t *testing.T) {
		s := NewStore(4)
		s.GetOrCreate("k")

		s.Append("k", msg(runtime.RoleUser, "u1"))
		s.Append("k", msg(runtime.RoleAssistant, "a1"))
		s.Append("k", msg(runtime.RoleUser, "u2"))
		s.Append("k", msg(runtime.RoleAssistant, "a2"))
		s.Append("k", msg(runtime.RoleUser, "u3"))

		history := s.History("k")
		// The raw window would start with a1; the boundary rule advances
		// it to u2 so no turn is split.
		require.Len(t, history, 3)
		assert.Equal(t, "u2", history[0].Content)
		assert.Equal(t, "u3", history[2].Content)
	})

	t.Run("trim never leaves an assistant turn at the head", func(t *testing.T) {
		s := NewStore(3)
		s.GetOrCreate("k")

		s.Append("k", msg(runtime.RoleUser, "u1"))
		s.Append("k", msg(runtime.RoleAssistant, "a1"))
		s.Append("k", msg(runtime.RoleUser, "u2"))
		s.Append("k", msg(runtime.RoleAssistant, "a2"))

		history := s.History("k")
		require.NotEmpty(t, history)
		assert.NotEqual(t, runtime.RoleAssistant, history[0].Role)
		assert.NotEqual(t, runtime.RoleTool, history[0].Role)
	})

	t.Run("floor of one when the window is all assistant turns", func(t *testing.T) {
		s := NewStore(2)
		s.GetOrCreate("k")

		s.Append("k", msg(runtime.RoleUser, "u1"))
		s.Append("k", msg(runtime.RoleAssistant, "a1"))
		s.Append("k", msg(runtime.RoleAssistant, "a2"))

		history := s.History("k")
		require.Len(t, history, 1)
		assert.Equal(t, "a2", history[0].Content)
	})

	t.Run("max history below one is clamped to one", func(t *testing.T) {
		s := NewStore(0)
		s.GetOrCreate("k")

		s.Append("k", msg(runtime.RoleUser, "u1"))
		s.Append("k", msg(runtime.RoleUser, "u2"))

		history := s.History("k")
		require.Len(t, history, 1)
		assert.Equal(t, "u2", history[0].Content)
	})
}

func TestStoreLifecycle(t *testing.T) {
	t.Run("destroy removes the context and is idempotent", func(t *testing.T) {
		s := NewStore(100)
		s.GetOrCreate("k")
		s.Append("k", msg(runtime.RoleUser, "hi"))
		require.Equal(t, 1, s.Len())

		s.Destroy("k")
		assert.Equal(t, 0, s.Len())
		assert.Nil(t, s.History("k"))

		s.Destroy("k")
		assert.Equal(t, 0, s.Len())
	})

	t.Run("touch advances last active", func(t *testing.T) {
		s := NewStore(100)
		s.GetOrCreate("k")

		before, ok := s.LastActive("k")
		require.True(t, ok)

		s.Touch("k")
		after, ok := s.LastActive("k")
		require.True(t, ok)
		assert.False(t, after.Before(before))
	})

	t.Run("metadata set on live context", func(t *testing.T) {
		s := NewStore(100)
		ec := s.GetOrCreate("k")
		s.SetMetadata("k", "source", "test")
		assert.Equal(t, "test", ec.Metadata["source"])
	})
}
