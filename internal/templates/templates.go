// Package templates holds the built-in agent templates. A template is an
// executor.Factory registered under a (template id, version) pair; agent
// configurations reference templates by that identity.
package templates

import (
	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/runtime/executor"
)

// RegisterBuiltins registers the built-in templates on a registry. The
// openai template picks up runtime-level credentials as defaults.
func RegisterBuiltins(registry *executor.Registry, openaiDefaults config.OpenAIConfig) {
	registry.Register(EchoFactory{})
	registry.Register(OpenAIFactory{Defaults: openaiDefaults})
}
