package statusserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type deviceRequest struct {
	DeviceID *int `json:"device_id" binding:"required"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/status", s.handleStatus)
	s.router.POST("/ringer/dismiss", s.handleDismiss)
	s.router.PUT("/device", s.handleSelectDevice)
	s.router.GET("/events", s.handleEvents)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Status())
}

func (s *Server) handleDismiss(c *gin.Context) {
	s.opts.Ringer.Dismiss()
	c.JSON(http.StatusOK, gin.H{"dismissed": true})
}

func (s *Server) handleSelectDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"device_id\": <int>}"})
		return
	}
	if err := s.opts.Devices.SetDeviceID(*req.DeviceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Int("device_id", *req.DeviceID).Msg("device selected via status API")
	c.JSON(http.StatusOK, gin.H{"device_id": *req.DeviceID})
}
