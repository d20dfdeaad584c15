package router

import (
	"net/http"

	"fleetwatch/app/handler"
	"fleetwatch/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	fleetHandler   *handler.FleetHandler
	sessionHandler *handler.SessionHandler
	streamHandler  *handler.StreamHandler
	metrics        http.Handler
	apiKey         string
}

// NewRouter creates a new Router. metricsHandler may be nil.
func NewRouter(fleetHandler *handler.FleetHandler, sessionHandler *handler.SessionHandler, streamHandler *handler.StreamHandler, metricsHandler http.Handler, apiKey string) *Router {
	return &Router{
		fleetHandler:   fleetHandler,
		sessionHandler: sessionHandler,
		streamHandler:  streamHandler,
		metrics:        metricsHandler,
		apiKey:         apiKey,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Trace())
	engine.Use(middleware.Logger())

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(r.apiKey))
	{
		// Operator session
		session := api.Group("/session")
		{
			session.PUT("", r.sessionHandler.StartSession)
			session.DELETE("", r.sessionHandler.EndSession)
		}

		fleet := api.Group("/fleet")
		{
			fleet.GET("/servers", r.fleetHandler.ListServers)
			fleet.GET("/servers/:id", r.fleetHandler.GetServer)
			fleet.GET("/statistics", r.fleetHandler.GetStatistics)
			fleet.GET("/status", r.fleetHandler.GetStatus)
			fleet.POST("/refresh", r.fleetHandler.Refresh)
			fleet.POST("/provision", r.fleetHandler.Provision)
			fleet.GET("/stream", r.streamHandler.Stream) // WebSocket
		}
	}

	if r.metrics != nil {
		engine.GET("/metrics", gin.WrapH(r.metrics))
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
