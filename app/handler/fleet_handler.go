package handler

import (
	"net/http"
	"strconv"

	"fleetwatch/internal/service"
	"fleetwatch/pkg/backend"
	"fleetwatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// FleetHandler handles fleet-related HTTP requests
type FleetHandler struct {
	fleetService *service.FleetService
}

// NewFleetHandler creates a new fleet handler
func NewFleetHandler(fleetService *service.FleetService) *FleetHandler {
	return &FleetHandler{fleetService: fleetService}
}

// ListServers returns the roster sorted by last seen
// @Summary List GPU servers
// @Description Roster of all known GPU servers with fleet statistics and live update status
// @Tags fleet
// @Produce json
// @Success 200 {object} service.RosterResult
// @Router /api/v1/fleet/servers [get]
func (h *FleetHandler) ListServers(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleetService.Roster())
}

// GetServer returns the detail view of one server
// @Summary Get GPU server
// @Description Detail view of one GPU server. Unknown servers, or refresh=true, trigger a snapshot fetch.
// @Tags fleet
// @Produce json
// @Param id path string true "Server UUID"
// @Param refresh query bool false "Fetch the server from the backend first"
// @Success 200 {object} fleet.ServerView
// @Router /api/v1/fleet/servers/{id} [get]
func (h *FleetHandler) GetServer(c *gin.Context) {
	serverID := c.Param("id")
	refresh, _ := strconv.ParseBool(c.Query("refresh"))

	if !refresh {
		if view, ok := h.fleetService.Server(serverID); ok {
			c.JSON(http.StatusOK, view)
			return
		}
	}

	view, err := h.fleetService.RefreshServer(c.Request.Context(), serverID)
	if err != nil {
		if backend.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": backend.MsgServerNotFound})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to fetch server %s: %v", serverID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": backend.UserMessage(err, backend.MsgFetchServerFailed)})
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetStatistics returns the fleet statistics
// @Summary Get fleet statistics
// @Tags fleet
// @Produce json
// @Success 200 {object} model.FleetStatistics
// @Router /api/v1/fleet/statistics [get]
func (h *FleetHandler) GetStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleetService.Statistics())
}

// GetStatus reports session and live update health
// @Summary Get fleet view status
// @Tags fleet
// @Produce json
// @Success 200 {object} service.Status
// @Router /api/v1/fleet/status [get]
func (h *FleetHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleetService.Status())
}

// Refresh reloads the roster from the backend
// @Summary Refresh fleet
// @Description Fetch an authoritative roster snapshot and merge it into the fleet view
// @Tags fleet
// @Produce json
// @Success 200 {object} service.RosterResult
// @Failure 502 {object} map[string]string
// @Router /api/v1/fleet/refresh [post]
func (h *FleetHandler) Refresh(c *gin.Context) {
	if err := h.fleetService.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": backend.UserMessage(err, backend.MsgFetchRosterFailed)})
		return
	}
	c.JSON(http.StatusOK, h.fleetService.Roster())
}

// Provision requests a new GPU server
// @Summary Provision GPU server
// @Tags fleet
// @Produce json
// @Success 202 {object} model.ProvisionResult
// @Router /api/v1/fleet/provision [post]
func (h *FleetHandler) Provision(c *gin.Context) {
	result, err := h.fleetService.Provision(c.Request.Context())
	if err != nil {
		status := backend.StatusCode(err)
		if status < http.StatusBadRequest || status >= http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": backend.UserMessage(err, backend.MsgProvisionFailed)})
		return
	}
	c.JSON(http.StatusAccepted, result)
}
