package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Version is reported by GET /version.
var Version = "1.0.0"

// SetupRoutes defines the service routes.
func SetupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": Version})
	})
}
