package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/gridlocal/internal/core"
)

type DeviceHandler struct {
	devices    *core.Devices
	dispatcher *core.Dispatcher
}

func NewDeviceHandler(devices *core.Devices, dispatcher *core.Dispatcher) *DeviceHandler {
	return &DeviceHandler{devices: devices, dispatcher: dispatcher}
}

// ListDevices returns every device keyed by name, or only enabled ones with
// ?active=1.
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	active, _ := strconv.ParseBool(c.Query("active"))
	c.JSON(http.StatusOK, h.devices.Encode(active))
}

func (h *DeviceHandler) EnableDevice(c *gin.Context) {
	h.setDisabled(c, false)
}

func (h *DeviceHandler) DisableDevice(c *gin.Context) {
	h.setDisabled(c, true)
}

func (h *DeviceHandler) setDisabled(c *gin.Context, disabled bool) {
	name := c.Param("name")
	dev, ok := h.devices.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrUnknownDevice.Error()})
		return
	}
	if disabled {
		h.devices.Disable(name)
	} else {
		h.devices.Enable(name)
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "disabled": dev.Disabled()})
}

// CancelDevice asks the device's driver to abort the running job.
func (h *DeviceHandler) CancelDevice(c *gin.Context) {
	name := c.Param("name")
	if err := h.dispatcher.Cancel(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "cancelled": true})
}
