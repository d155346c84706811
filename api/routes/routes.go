package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/bindrap/notesWebApp/api/handlers"
	"github.com/bindrap/notesWebApp/api/middleware"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// SetupRoutes installs the middleware chain and every endpoint on r.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, allowOrigins []string, log logger.Logger) {
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.AccessLog(log),
		middleware.CORS(allowOrigins),
	)

	api := r.Group("/api")
	{
		api.POST("/process", h.Task.Process)
		api.GET("/status/:taskId", h.Task.Status)
		api.GET("/download/:taskId/:filename", h.Task.Download)
		api.GET("/download-all/:taskId", h.Task.DownloadAll)
		api.DELETE("/cleanup/:taskId", h.Task.Cleanup)
		api.GET("/health", h.Health.Health)
	}
}
