package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/agents"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/mq"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
	"github.com/agentrun/agentrun/internal/runtime/manager"
	v1 "github.com/agentrun/agentrun/pkg/api/v1"
)

type adminHandlers struct {
	manager   *manager.Manager
	store     *agents.Store
	templates *executor.Registry
	logger    *logger.Logger
}

func newAdminHandlers(mgr *manager.Manager, store *agents.Store, templates *executor.Registry, log *logger.Logger) *adminHandlers {
	return &adminHandlers{
		manager:   mgr,
		store:     store,
		templates: templates,
		logger:    log.WithFields(zap.String("component", "admin-handlers")),
	}
}

func agentToDTO(cfg *runtime.AgentConfiguration) v1.AgentDefinition {
	return v1.AgentDefinition{
		ID:              cfg.ID,
		Name:            cfg.Name,
		TemplateID:      cfg.TemplateID,
		TemplateVersion: cfg.TemplateVersion,
		Configuration:   cfg.Configuration,
		Metadata:        cfg.Metadata,
	}
}

// listAgents returns all stored agent configurations.
// GET /api/v1/agents
func (h *adminHandlers) listAgents(c *gin.Context) {
	configs := h.store.List()
	out := make([]v1.AgentDefinition, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, agentToDTO(cfg))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "total": len(out)})
}

// createAgent registers a new agent configuration.
// POST /api/v1/agents
func (h *adminHandlers) createAgent(c *gin.Context) {
	var req v1.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: err.Error(), Code: "validation"})
		return
	}

	cfg := &runtime.AgentConfiguration{
		ID:              req.ID,
		Name:            req.Name,
		TemplateID:      req.TemplateID,
		TemplateVersion: req.TemplateVersion,
		Configuration:   req.Configuration,
		Metadata:        req.Metadata,
	}
	agent, validation, err := h.store.Create(cfg)
	if err != nil {
		status, code := mapError(err)
		resp := v1.ErrorResponse{Error: err.Error(), Code: code}
		if len(validation.Errors) > 0 {
			c.JSON(status, gin.H{"error": resp.Error, "code": resp.Code, "validation_errors": validation.Errors})
			return
		}
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusCreated, v1.CreateAgentResponse{
		Agent:    agentToDTO(agent.Config),
		Warnings: validation.Warnings,
	})
}

// getAgent returns one agent configuration.
// GET /api/v1/agents/:id
func (h *adminHandlers) getAgent(c *gin.Context) {
	agent, err := h.store.Find(c.Param("id"))
	if err != nil {
		status, code := mapError(err)
		c.JSON(status, v1.ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, agentToDTO(agent.Config))
}

// deleteAgent removes a configuration and every live instance derived
// from it.
// DELETE /api/v1/agents/:id
func (h *adminHandlers) deleteAgent(c *gin.Context) {
	agentID := c.Param("id")
	if !h.store.Delete(agentID) {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: "agent not found", Code: "not_found"})
		return
	}
	destroyed := h.manager.DestroyAgentInstances(agentID)
	c.JSON(http.StatusOK, gin.H{"deleted": true, "instances_destroyed": destroyed})
}

// destroySession removes one session's instance and context. Idempotent.
// DELETE /api/v1/agents/:id/sessions/:sessionId
func (h *adminHandlers) destroySession(c *gin.Context) {
	destroyed := h.manager.DestroySessionInstance(c.Param("id"), c.Param("sessionId"))
	c.JSON(http.StatusOK, gin.H{"destroyed": destroyed})
}

// listTemplates returns the registered templates.
// GET /api/v1/templates
func (h *adminHandlers) listTemplates(c *gin.Context) {
	metas := h.templates.List()
	out := make([]v1.TemplateInfo, 0, len(metas))
	for _, meta := range metas {
		out = append(out, v1.TemplateInfo{
			TemplateID:      meta.TemplateID,
			TemplateVersion: meta.TemplateVersion,
			Description:     meta.Description,
			ConfigSchema:    meta.ConfigSchema,
		})
	}
	c.JSON(http.StatusOK, gin.H{"templates": out, "total": len(out)})
}

// listInstances returns the cached agent instances.
// GET /api/v1/instances
func (h *adminHandlers) listInstances(c *gin.Context) {
	infos := h.manager.ListInstances()
	out := make([]v1.InstanceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, v1.InstanceInfo{
			SessionKey: info.SessionKey,
			AgentID:    info.AgentID,
			SessionID:  info.SessionID,
			State:      string(info.State),
			CreatedAt:  info.CreatedAt,
			LastUsed:   info.LastUsed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"instances": out, "total": len(out)})
}

// getStats returns the runtime observability snapshot.
// GET /api/v1/stats
func (h *adminHandlers) getStats(c *gin.Context) {
	stats := h.manager.Stats(c.Request.Context())
	c.JSON(http.StatusOK, v1.RuntimeStats{
		WorkerCount:      stats.WorkerCount,
		ActiveInstances:  stats.ActiveInstances,
		RunningTasks:     stats.RunningTasks,
		QueueType:        stats.QueueType,
		TaskQueueStats:   queueStatsToDTO(stats.TaskQueueStats),
		ResultQueueStats: queueStatsToDTO(stats.ResultQueueStats),
	})
}

func queueStatsToDTO(stats *mq.QueueStats) *v1.QueueStats {
	if stats == nil {
		return nil
	}
	return &v1.QueueStats{
		Pending:             stats.Pending,
		Processing:          stats.Processing,
		Completed:           stats.Completed,
		Failed:              stats.Failed,
		AverageProcessingMS: stats.AverageProcessingMS,
	}
}
