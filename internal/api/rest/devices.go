package rest

import (
	"fmt"
	"io"
	"net/http"

	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxDescriptorBody = 64 << 10

// redact drops protocol credentials from outgoing descriptors.
func redact(d types.Descriptor) types.Descriptor {
	d.Credentials = nil
	return d
}

func (s *Server) deviceStatuses() []devices.SessionStatus {
	list := s.lm.Stream().Status().Devices
	for i := range list {
		list[i].Descriptor = redact(list[i].Descriptor)
	}
	return list
}

// GET /api/v1/devices[?vendor=strip]
func (s *Server) listDevices(c *gin.Context) {
	list := s.deviceStatuses()

	if tag := c.Query("vendor"); tag != "" {
		vendor, err := types.ParseVendor(tag)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid vendor filter", err.Error()))
			return
		}
		filtered := list[:0]
		for _, d := range list {
			if d.Vendor == vendor {
				filtered = append(filtered, d)
			}
		}
		list = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": list,
		"count":   len(list),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")
	for _, d := range s.deviceStatuses() {
		if d.ID == id {
			c.JSON(http.StatusOK, d)
			return
		}
	}

	c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", id))
}

// PUT /api/v1/devices/:id
func (s *Server) updateDevice(c *gin.Context) {
	id := c.Param("id")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDescriptorBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Failed to read request body", err.Error()))
		return
	}

	d, err := s.validator.DecodeDescriptor(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid descriptor", err.Error()))
		return
	}
	if d.ID != id {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Descriptor id does not match path",
			gin.H{"path": id, "body": d.ID}))
		return
	}

	if err := s.lm.Stream().UpdateDevice(c.Request.Context(), d); err != nil {
		s.respondError(c, "DEVICE", "Failed to update device", err)
		return
	}

	s.logger.Info("Device updated via API",
		zap.String("device_id", id),
		zap.Bool("enabled", d.Enabled),
		zap.Int("target_sector", d.TargetSector))

	updated, _ := s.lm.Stream().Device(id)
	c.JSON(http.StatusOK, redact(updated))
}

// POST /api/v1/devices/:id/refresh
func (s *Server) refreshDevice(c *gin.Context) {
	id := c.Param("id")
	if err := s.lm.Stream().RefreshDevice(c.Request.Context(), id); err != nil {
		s.respondError(c, "DEVICE", "Failed to refresh device", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device refreshed", "id": id})
}

// POST /api/v1/devices/:id/flash
func (s *Server) flashDevice(c *gin.Context) {
	var req struct {
		Color string `json:"color" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	color, err := types.ParseHex(req.Color)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid color", err.Error()))
		return
	}

	id := c.Param("id")
	if err := s.lm.Stream().Flash(c.Request.Context(), id, color); err != nil {
		s.respondError(c, "DEVICE", "Failed to flash device", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device flashed", "id": id, "color": color.Hex()})
}

// POST /api/v1/devices/:id/link
// Blocks until the user presses the link button or the attempts run out.
func (s *Server) linkDevice(c *gin.Context) {
	id := c.Param("id")
	d, ok := s.lm.Stream().Device(id)
	if !ok {
		s.respondError(c, "DEVICE", "Device not found", fmt.Errorf("device %s: %w", id, storage.ErrNotFound))
		return
	}

	check, err := devices.NewLinkCheck(d, s.linkClient)
	if err != nil {
		s.respondError(c, "DEVICE", "Device cannot be linked", err)
		return
	}

	s.logger.Info("Waiting for device link", zap.String("device_id", id), zap.Int("attempts", s.linkAttempts))

	creds, err := devices.AwaitLink(c.Request.Context(), check, s.linkInterval, s.linkAttempts, func(remaining int) {
		s.logger.Debug("Link not confirmed yet", zap.String("device_id", id), zap.Int("remaining", remaining))
	})
	if err != nil {
		s.respondError(c, "DEVICE", "Link failed", err)
		return
	}

	// the wait can take many seconds; merge into the current descriptor so
	// edits made meanwhile survive
	live, ok := s.lm.Stream().Device(id)
	if !ok {
		s.respondError(c, "DEVICE", "Device removed while linking", fmt.Errorf("device %s: %w", id, storage.ErrNotFound))
		return
	}
	if live.Credentials == nil {
		live.Credentials = make(map[string]string, len(creds))
	}
	for k, v := range creds {
		live.Credentials[k] = v
	}

	if err := s.lm.Stream().UpdateDevice(c.Request.Context(), live); err != nil {
		s.respondError(c, "DEVICE", "Failed to store credentials", err)
		return
	}

	s.logger.Info("Device linked", zap.String("device_id", id))
	c.JSON(http.StatusOK, gin.H{"message": "device linked", "id": id})
}
