package api

import (
	"github.com/gin-gonic/gin"

	"dealflow/server/internal/metrics"
)

func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.Use(metrics.Middleware())
	router.GET("/health", handler.Health)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api")
	{
		api.POST("/matching/run", handler.RunMatching)
		api.DELETE("/matches", handler.ClearMatches)
		api.POST("/matches/dedupe", handler.DedupeMatches)
		api.POST("/matches/:id/stage", handler.TransitionStage)
		api.POST("/matches/:id/activities", handler.AddActivity)
		api.GET("/buyers/matches", handler.GetBuyersWithMatches)
		api.GET("/properties/matches", handler.GetPropertiesWithMatches)
		api.POST("/cache/sync", handler.SyncCache)
		api.GET("/cache/status", handler.GetCacheStatus)
		api.GET("/stages", handler.GetStages)
		api.PUT("/stages/:stage/label", handler.UpdateStageLabel)
	}
}
