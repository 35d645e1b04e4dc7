package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/pvebackup/internal/api/handlers"
	"github.com/TheGojiOG/pvebackup/internal/api/middleware"
	"github.com/TheGojiOG/pvebackup/internal/auth"
	"github.com/TheGojiOG/pvebackup/internal/config"
	"github.com/TheGojiOG/pvebackup/internal/engine"
	"github.com/TheGojiOG/pvebackup/internal/websocket"
)

// SetupRouter configures and returns the HTTP router
func SetupRouter(cfg *config.Config, e *engine.Engine, hub *websocket.Hub, jwtManager *auth.JWTManager) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.Security.CORS))
	router.Use(middleware.RateLimit(cfg.Security.RateLimit.Enabled, cfg.Security.RateLimit.RequestsPerMinute))
	router.Use(middleware.SecurityHeaders())

	backupHandler := handlers.NewBackupHandler(e)
	eventsHandler := handlers.NewEventsHandler(hub, cfg.Security.CORS.AllowedOrigins)

	protected := router.Group("/api/v1")
	protected.Use(middleware.Auth(jwtManager))
	{
		backupHandler.RegisterRoutes(protected)
		protected.GET("/ws", eventsHandler.HandleWebSocket)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// JobEvents returns an engine event callback that broadcasts to the jobs room
func JobEvents(hub *websocket.Hub) func(engine.Progress) {
	return func(p engine.Progress) {
		msgType := "job_progress"
		if p.State.Terminal() {
			msgType = "job_finished"
		}
		hub.Publish(websocket.RoomJobs, msgType, p)
	}
}
