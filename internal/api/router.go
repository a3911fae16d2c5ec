// Package api assembles the HTTP surface.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orrn/gridlocal/internal/api/handlers"
	"github.com/orrn/gridlocal/internal/api/middleware"
	"github.com/orrn/gridlocal/internal/core"
)

type Deps struct {
	Dispatcher *core.Dispatcher
	Devices    *core.Devices
	Auth       *middleware.AuthMiddleware
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(), middleware.SecurityHeaders())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"devices": len(d.Devices.Names()),
			"jobs":    len(d.Dispatcher.History()),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := d.Auth
	if auth == nil {
		auth = middleware.NewAuthMiddleware("", "")
	}

	jobs := handlers.NewJobHandler(d.Dispatcher)
	devices := handlers.NewDeviceHandler(d.Devices, d.Dispatcher)

	api := r.Group("/api")
	api.Use(auth.RequireAuth())
	{
		api.POST("/jobs", jobs.CreateJob)
		api.GET("/jobs", jobs.ListJobs)
		api.DELETE("/jobs", jobs.DeleteJob)
		api.GET("/jobs/:key", jobs.GetJob)
		api.PUT("/jobs/:key", jobs.SubmitPayload)
		api.POST("/submit", jobs.Submit)

		api.GET("/devices", devices.ListDevices)
		api.POST("/devices/:name/enable", devices.EnableDevice)
		api.POST("/devices/:name/disable", devices.DisableDevice)
		api.POST("/devices/:name/cancel", devices.CancelDevice)
	}

	return r
}
