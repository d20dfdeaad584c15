package handler

import (
	"net/http"
	"time"

	"fleetwatch/internal/service"
	"fleetwatch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// MessageRoster type of the first message sent on a stream
const MessageRoster = "roster"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins, production should use stricter checks
	},
}

// StreamHandler pushes fleet updates to dashboard views over WebSocket
type StreamHandler struct {
	fleetService *service.FleetService
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(fleetService *service.FleetService) *StreamHandler {
	return &StreamHandler{fleetService: fleetService}
}

// Stream registers a view for the lifetime of the connection
// @Summary Fleet update stream
// @Description WebSocket stream. The first message is the roster, then one message per fleet change.
// @Tags fleet
// @Param view_id query string false "Stable view id; reconnecting with the same id replaces the previous connection"
// @Router /api/v1/fleet/stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	viewID := c.Query("view_id")
	if viewID == "" {
		viewID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "Failed to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	ctx := c.Request.Context()
	updates, cancel := h.fleetService.Watch(ctx, viewID)
	defer cancel()
	logger.InfoCtx(ctx, "View %s connected", viewID)

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(gin.H{"type": MessageRoster, "view_id": viewID, "data": h.fleetService.Roster()}); err != nil {
		logger.WarnCtx(ctx, "Failed to send roster to view %s: %v", viewID, err)
		return
	}

	// Reader: only control frames are expected, a read error means the view left
	closed := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				// Replaced by a newer connection with the same view id
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced"))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(update); err != nil {
				logger.WarnCtx(ctx, "Failed to send update to view %s: %v", viewID, err)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			logger.InfoCtx(ctx, "View %s disconnected", viewID)
			return
		}
	}
}
