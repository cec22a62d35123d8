package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenLightCore/internal/stream"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	st := s.lm.Stream().Status()
	for i := range st.Devices {
		st.Devices[i].Descriptor = redact(st.Devices[i].Descriptor)
	}

	c.JSON(http.StatusOK, gin.H{
		"system": s.lm.GetCurrentStatus(),
		"stream": st,
	})
}

// GET /api/v1/mode
func (s *Server) getMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.lm.Stream().Mode()})
}

// POST /api/v1/mode
func (s *Server) setMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MODE_400", "Invalid request body", err.Error()))
		return
	}

	mode, err := stream.ParseMode(req.Mode)
	if err != nil {
		s.respondError(c, "MODE", "Invalid mode", err)
		return
	}

	if err := s.lm.Stream().SetMode(c.Request.Context(), mode); err != nil {
		s.respondError(c, "MODE", "Failed to set mode", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"mode": s.lm.Stream().Mode()})
}

// GET /api/v1/group
func (s *Server) getGroup(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"group": s.lm.Stream().Group()})
}

// PUT /api/v1/group
func (s *Server) setGroup(c *gin.Context) {
	var req struct {
		Group *int `json:"group" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("GROUP_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.Stream().SetGroup(c.Request.Context(), *req.Group); err != nil {
		s.respondError(c, "GROUP", "Failed to set device group", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"group": s.lm.Stream().Group()})
}

// GET /api/v1/subscribers
func (s *Server) listSubscribers(c *gin.Context) {
	subs := s.lm.Stream().Status().Subscribers
	c.JSON(http.StatusOK, gin.H{
		"subscribers": subs,
		"count":       len(subs),
	})
}

// POST /api/v1/discovery/scan
func (s *Server) startScan(c *gin.Context) {
	if err := s.lm.Stream().RequestScan(); err != nil {
		s.respondError(c, "DISCOVERY", "Scan not started", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Scan started",
		"status":  "scanning",
	})
}
