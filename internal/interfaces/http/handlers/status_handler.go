// Package handlers exposes the core's operational surface over HTTP.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appservice "github.com/fit2garmin/throttle/internal/application/service"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// StatusHandler serves usage snapshots and the operator view.
type StatusHandler struct {
	limiter *appservice.LimiterService
	daily   *appservice.DailyQuotaService
	log     logger.Logger
}

// NewStatusHandler wires the handler.
func NewStatusHandler(limiter *appservice.LimiterService, daily *appservice.DailyQuotaService, log logger.Logger) *StatusHandler {
	return &StatusHandler{limiter: limiter, daily: daily, log: log.WithComponent("status_handler")}
}

// GetUsage returns the per-endpoint window usage plus the daily quota view
// for a client.
func (h *StatusHandler) GetUsage(c *gin.Context) {
	clientID := c.Param("client_id")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}

	endpoints, err := h.limiter.GetStatus(c.Request.Context(), clientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage snapshot unavailable"})
		return
	}

	resp := gin.H{"client_id": clientID, "endpoints": endpoints}
	if h.daily != nil {
		if daily, err := h.daily.Status(c.Request.Context(), clientID); err == nil {
			resp["daily"] = daily
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetSystemStatus returns tier health and the active strategy.
func (h *StatusHandler) GetSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.limiter.GetSystemStatus(c.Request.Context()))
}

// ResetLimits clears a client's counters; administrative.
func (h *StatusHandler) ResetLimits(c *gin.Context) {
	var req struct {
		ClientID string `json:"client_id" binding:"required"`
		Endpoint string `json:"endpoint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.limiter.ResetLimits(c.Request.Context(), req.ClientID, req.Endpoint); err != nil {
		h.log.Error(c.Request.Context(), "reset failed", err,
			logger.String("client_id", req.ClientID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// PerformMaintenance triggers one maintenance pass; administrative.
func (h *StatusHandler) PerformMaintenance(c *gin.Context) {
	if err := h.limiter.PerformMaintenance(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "completed_with_errors", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}
