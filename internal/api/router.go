package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gestibat/gestibat/pkg/config"
)

// NewRouter creates and configures the management API router
func NewRouter(cfg *config.Config, handlers *Handlers, registry *prometheus.Registry) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(RecoveryMiddleware())
	router.Use(CORSMiddleware())

	router.GET("/health", handlers.Health)

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		det := v1.Group("/detection")
		{
			det.POST("/trigger", handlers.TriggerDetection)
			det.GET("/metrics", handlers.SchedulerMetrics)
			det.GET("/runs", handlers.RunHistory)
			det.GET("/profiles", handlers.RiskProfiles)
			det.GET("/alerts", handlers.Alerts)
			det.PATCH("/alerts/:id", handlers.UpdateAlert)
		}

		gov := v1.Group("/governor")
		{
			gov.GET("/safety-report", handlers.SafetyReport)
			gov.GET("/config", handlers.GovernorConfig)
		}

		v1.GET("/breakers", handlers.Breakers)
	}

	return router
}
