package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/karaoke_go_server/config"
	"github.com/qs3c/karaoke_go_server/internal/api/handler"
	"github.com/qs3c/karaoke_go_server/internal/api/middleware"
)

type Router struct {
	jobHandler       *handler.JobHandler
	healthHandler    *handler.HealthHandler
	websocketHandler *handler.WebSocketHandler
	cfg              *config.Config
}

func NewRouter(
	jobHandler *handler.JobHandler,
	healthHandler *handler.HealthHandler,
	websocketHandler *handler.WebSocketHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		jobHandler:       jobHandler,
		healthHandler:    healthHandler,
		websocketHandler: websocketHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/health", r.healthHandler.Check)

	api := engine.Group("/api/v1")
	{
		// WebSocket 进度推送
		api.GET("/ws", r.websocketHandler.Handle)

		// 任务
		api.POST("/process", r.jobHandler.Create)
		api.GET("/status/:id", r.jobHandler.GetStatus)
		api.GET("/results/:id", r.jobHandler.GetResults)
		api.GET("/jobs", r.jobHandler.List)
		api.DELETE("/jobs/:id", r.jobHandler.Delete)
		api.GET("/stats", r.jobHandler.Stats)
	}

	return engine
}
