package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/transform-adapter/internal/api/handler"
)

// SetupRouter configures and returns the Gin router for the ops surface
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs/:job_id - ledger record for a job
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
