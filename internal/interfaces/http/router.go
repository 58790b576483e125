// Package http assembles the gin router for the operational surface.
package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fit2garmin/throttle/internal/interfaces/http/handlers"
	"github.com/fit2garmin/throttle/internal/interfaces/http/middleware"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// RouterDependencies carries everything the router needs.
type RouterDependencies struct {
	Logger        logger.Logger
	StatusHandler *handlers.StatusHandler
	RateLimit     gin.HandlerFunc
}

// NewRouter builds the HTTP surface: client-facing usage lookup behind the
// rate-limit middleware, and admin/operational endpoints without it.
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	v1 := router.Group("/v1")
	if deps.RateLimit != nil {
		v1.Use(deps.RateLimit)
	}
	v1.GET("/usage/:client_id", deps.StatusHandler.GetUsage)

	admin := router.Group("/admin")
	admin.GET("/system/status", deps.StatusHandler.GetSystemStatus)
	admin.POST("/reset", deps.StatusHandler.ResetLimits)
	admin.POST("/maintenance", deps.StatusHandler.PerformMaintenance)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(router)

	return router
}

// EndpointFromRoute maps request paths to quota endpoint names. The only
// client-facing route this process serves is the usage lookup; services
// embedding the middleware supply their own resolver.
func EndpointFromRoute(c *gin.Context) string {
	return "usage"
}

var _ middleware.EndpointResolver = EndpointFromRoute
