// Package gateway exposes the runtime over HTTP: the OpenAI-compatible
// completion surface, the admin API for agents, instances, and stats, and
// a WebSocket stream endpoint. All semantics live below in the execution
// service and the task manager; the gateway only frames them.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentrun/agentrun/internal/agents"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/runtime/executor"
	"github.com/agentrun/agentrun/internal/runtime/manager"
	"github.com/agentrun/agentrun/internal/runtime/service"
)

// SetupRoutes registers all gateway routes on the router.
func SetupRoutes(router *gin.Engine, svc *service.Service, mgr *manager.Manager, store *agents.Store, templates *executor.Registry, log *logger.Logger) {
	chat := newChatHandlers(svc, log)
	admin := newAdminHandlers(mgr, store, templates, log)
	stream := newStreamHandlers(mgr, log)

	// OpenAI-compatible surface
	router.POST("/v1/chat/completions", chat.createCompletion)
	router.GET("/v1/models", chat.listModels)

	// Admin surface
	api := router.Group("/api/v1")
	api.GET("/agents", admin.listAgents)
	api.POST("/agents", admin.createAgent)
	api.GET("/agents/:id", admin.getAgent)
	api.DELETE("/agents/:id", admin.deleteAgent)
	api.DELETE("/agents/:id/sessions/:sessionId", admin.destroySession)
	api.GET("/templates", admin.listTemplates)
	api.GET("/instances", admin.listInstances)
	api.GET("/stats", admin.getStats)

	// Raw chunk stream over WebSocket
	api.GET("/tasks/:taskId/stream", stream.streamTask)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentrun"})
	})
}
