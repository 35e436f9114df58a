package controller

import (
	"net/http"

	"isolator/internal/isolator/service"
	"isolator/internal/isolator/terminal"
	appErr "isolator/pkg/errors"
	"isolator/pkg/utils/logger"
	"isolator/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TerminalController upgrades terminal requests to websocket sessions.
type TerminalController struct {
	svc      *service.Service
	upgrader websocket.Upgrader
}

// NewTerminalController creates a new TerminalController.
func NewTerminalController(svc *service.Service) *TerminalController {
	return &TerminalController{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is not served to browsers directly; the fronting proxy
			// owns origin policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach upgrades the connection and bridges it to the sandbox shell. The
// handler blocks for the lifetime of the websocket.
func (h *TerminalController) Attach(c *gin.Context) {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		response.BadRequest(c, "Invalid sandbox id")
		return
	}
	readOnly := c.Query("watch") == "true"

	// Reject before upgrading so an unknown sandbox or an occupied terminal
	// surfaces as a plain HTTP error instead of a websocket close.
	if _, err := h.svc.Status(c.Request.Context(), sandboxID); err != nil {
		response.Error(c, err)
		return
	}
	if !readOnly && h.svc.TerminalBusy(sandboxID) {
		response.Error(c, appErr.New(appErr.TerminalConflict).WithSandbox(sandboxID))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn(c.Request.Context(), "websocket upgrade failed",
			zap.String("sandbox_id", sandboxID), zap.Error(err))
		return
	}
	client := terminal.NewWebsocketClient(conn)
	defer client.Close()

	if err := h.svc.AttachTerminal(c.Request.Context(), sandboxID, client, readOnly); err != nil {
		_ = client.Send(terminal.Frame{Type: terminal.FrameError, Data: err.Error()})
		logger.Warn(c.Request.Context(), "terminal session ended with error",
			zap.String("sandbox_id", sandboxID), zap.Error(err))
	}
}
