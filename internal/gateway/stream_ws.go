package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/runtime/manager"
	v1 "github.com/agentrun/agentrun/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is permissive for the HTTP surface; keep WS consistent.
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type streamHandlers struct {
	manager *manager.Manager
	logger  *logger.Logger
}

func newStreamHandlers(mgr *manager.Manager, log *logger.Logger) *streamHandlers {
	return &streamHandlers{
		manager: mgr,
		logger:  log.WithFields(zap.String("component", "stream-ws")),
	}
}

// streamTask forwards a task's raw chunk sequence over a WebSocket. The
// stream queue is single-consumer, so exactly one socket may attach to a
// task; closing the socket cancels the subscription and stops the worker.
// WS /api/v1/tasks/:taskId/stream
func (h *streamHandlers) streamTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "task id is required", Code: "validation"})
		return
	}

	chunks, err := h.manager.SubscribeStream(c.Request.Context(), taskID)
	if err != nil {
		status, code := mapError(err)
		c.JSON(status, v1.ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("Stream socket attached", zap.String("task_id", taskID))

	// Discard client frames; reads only surface disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(chunk); err != nil {
				h.logger.Debug("Stream socket write failed",
					zap.String("task_id", taskID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
