package handler

import (
	"net/http"

	"fleetwatch/internal/service"
	"fleetwatch/pkg/backend"
	"fleetwatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SessionHandler handles operator login and logout
type SessionHandler struct {
	fleetService *service.FleetService
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(fleetService *service.FleetService) *SessionHandler {
	return &SessionHandler{fleetService: fleetService}
}

// StartSessionRequest login request
type StartSessionRequest struct {
	Token string `json:"token" binding:"required"`
}

// StartSession establishes the operator session
// @Summary Start session
// @Description Store the bearer token used for snapshot calls and channel authorization, then refresh the fleet
// @Tags session
// @Accept json
// @Produce json
// @Param request body StartSessionRequest true "Bearer token"
// @Success 200 {object} service.Status
// @Router /api/v1/session [put]
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.fleetService.StartSession(c.Request.Context(), req.Token); err != nil {
		// The session stands, only the initial refresh failed
		logger.WarnCtx(c.Request.Context(), "session started but refresh failed: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"status":  h.fleetService.Status(),
			"warning": backend.UserMessage(err, backend.MsgFetchRosterFailed),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.fleetService.Status()})
}

// EndSession logs the operator out
// @Summary End session
// @Tags session
// @Success 204
// @Router /api/v1/session [delete]
func (h *SessionHandler) EndSession(c *gin.Context) {
	h.fleetService.EndSession(c.Request.Context())
	c.Status(http.StatusNoContent)
}
