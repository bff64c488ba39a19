package server

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/sanjoekurian/sdpip-backend/internal/handlers"
	"github.com/sanjoekurian/sdpip-backend/internal/middleware"
)

type RouterConfig struct {
	DocumentHandler *handlers.DocumentHandler
	JobHandler      *handlers.JobHandler
	ChatHandler     *handlers.ChatHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware("sdpip-backend"))

	origins := []string{"http://localhost:3000", "http://localhost:5173"}
	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); raw != "" {
		origins = strings.Split(raw, ",")
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		// Documents
		api.POST("/documents", cfg.DocumentHandler.Upload)
		api.GET("/documents/:id", cfg.DocumentHandler.GetStatus)
		api.GET("/documents/:id/pii", cfg.DocumentHandler.GetPII)
		api.GET("/documents/:id/report", cfg.DocumentHandler.GetReport)

		// Jobs
		api.GET("/jobs/:id", cfg.JobHandler.GetJob)
		api.POST("/jobs/:id/cancel", cfg.JobHandler.Cancel)

		// Chat. Cancelling an in-flight question is done by dropping the
		// HTTP request: the request context aborts the model call and no
		// history is written, so sessions carry no cancel endpoint.
		api.POST("/documents/:id/chat-sessions", cfg.ChatHandler.CreateSession)
		api.POST("/chat-sessions/:id/messages", cfg.ChatHandler.Ask)
		api.GET("/chat-sessions/:id/messages", cfg.ChatHandler.History)
	}

	return router
}
