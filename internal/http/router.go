package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/powermem/powermem/internal/http/handlers"
	httpMW "github.com/powermem/powermem/internal/http/middleware"
	"github.com/powermem/powermem/internal/platform/logger"
)

type RouterConfig struct {
	MemoryHandler *httpH.MemoryHandler
	HealthHandler *httpH.HealthHandler

	Log            *logger.Logger
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachRequestID())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.MemoryHandler != nil {
			api.POST("/memories", cfg.MemoryHandler.Add)
			api.POST("/memories/search", cfg.MemoryHandler.Search)
			api.POST("/memories/list", cfg.MemoryHandler.List)
			api.POST("/memories/delete-all", cfg.MemoryHandler.DeleteAll)
			api.POST("/memories/reset", cfg.MemoryHandler.Reset)
			api.GET("/memories/:id", cfg.MemoryHandler.Get)
			api.PATCH("/memories/:id", cfg.MemoryHandler.Update)
			api.DELETE("/memories/:id", cfg.MemoryHandler.Delete)
			api.GET("/memories/:id/history", cfg.MemoryHandler.History)

			api.GET("/profiles/:user_id", cfg.MemoryHandler.GetProfile)
			api.DELETE("/profiles/:user_id", cfg.MemoryHandler.DeleteProfile)

			api.POST("/maintenance/run", cfg.MemoryHandler.RunMaintenance)
		}
	}

	return r
}
