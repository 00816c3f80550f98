package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mail-cci/headerguard/pkg/logger"
)

func AddAdminRoutes(r *gin.Engine) {
	r.POST("/log-level", func(c *gin.Context) {
		newLevel := c.Query("level")
		if newLevel == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing level"})
			return
		}
		if err := logger.SetLevel(newLevel); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid level"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"new_level": logger.Level()})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
