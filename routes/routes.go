package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kunaaal13/pdftochat/handlers"
	"github.com/kunaaal13/pdftochat/middleware"
)

// SetupRoutes registers all HTTP routes on the router. Health and metrics
// are unauthenticated; the chat API sits behind the auth middleware.
func SetupRoutes(router *gin.Engine, chatHandler handlers.ChatHandler, authProvider middleware.AuthProvider) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(authProvider))
	{
		v1.POST("/chat", chatHandler.HandleChat)
	}
}
