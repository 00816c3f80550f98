package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/api/middleware"
	"github.com/mail-cci/headerguard/internal/api/routes"
	"github.com/mail-cci/headerguard/internal/config"
)

var logger = zap.NewNop()

func InitLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// NewServer creates and configures a new Gin server instance. A nil handler
// leaves the analysis routes unregistered.
func NewServer(cfg *config.Config, analysis *routes.AnalysisHandler) *gin.Engine {
	switch cfg.Env {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
	}))

	router.Use(gin.Recovery(), middleware.LoggingMiddleware(logger), middleware.PrometheusMetrics())

	routes.SetupRoutes(router)
	routes.AddAdminRoutes(router)
	if analysis != nil {
		if analysis.Logger == nil {
			analysis.Logger = logger
		}
		routes.AddAnalysisRoutes(router, analysis)
	}

	return router
}
