package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/service"
	v1 "github.com/agentrun/agentrun/pkg/api/v1"
)

type chatHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func newChatHandlers(svc *service.Service, log *logger.Logger) *chatHandlers {
	return &chatHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "chat-handlers")),
	}
}

// createCompletion handles both JSON and SSE completions.
// POST /v1/chat/completions
func (h *chatHandlers) createCompletion(c *gin.Context) {
	var req v1.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: err.Error(), Code: "validation"})
		return
	}

	if req.Stream {
		h.streamCompletion(c, &req)
		return
	}

	resp, err := h.service.Complete(c.Request.Context(), &req)
	if err != nil {
		status, code := mapError(err)
		c.JSON(status, v1.ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamCompletion frames the chunk sequence as server-sent events,
// terminated by the [DONE] sentinel. A client disconnect cancels the
// request context, which tears the stream subscription down.
func (h *chatHandlers) streamCompletion(c *gin.Context, req *v1.ChatCompletionRequest) {
	chunks, err := h.service.StreamComplete(c.Request.Context(), req)
	if err != nil {
		status, code := mapError(err)
		c.JSON(status, v1.ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			h.logger.Error("Failed to marshal stream chunk", zap.Error(err))
			break
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			// Client went away; the context cancellation stops the worker.
			return
		}
		c.Writer.Flush()
	}

	fmt.Fprintf(c.Writer, "data: %s\n\n", v1.StreamDoneSentinel)
	c.Writer.Flush()
}

// listModels exposes stored agents in the OpenAI model-list shape.
// GET /v1/models
func (h *chatHandlers) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListModels())
}

// mapError translates runtime errors to HTTP status codes.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, runtime.ErrAgentNotFound),
		errors.Is(err, runtime.ErrTemplateNotFound),
		errors.Is(err, runtime.ErrTaskNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, runtime.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, runtime.ErrQueueSaturated):
		return http.StatusServiceUnavailable, "saturation"
	case errors.Is(err, runtime.ErrTimeout):
		return http.StatusRequestTimeout, "timeout"
	case errors.Is(err, service.ErrExecution):
		return http.StatusInternalServerError, "executor_error"
	default:
		return http.StatusInternalServerError, "queue_error"
	}
}
