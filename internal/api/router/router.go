package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pulselab/ecg-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint, outside authentication
	r.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK

		dbOK := deps.DBClient != nil && deps.DBClient.HealthCheck(c.Request.Context()) == nil
		mqOK := deps.RabbitClient != nil && deps.RabbitClient.IsConnected()
		if !dbOK || !mqOK {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":   status,
			"service":  "ecg-api-service",
			"database": dbOK,
			"rabbitmq": mqOK,
		})
	})

	measurementHandler := handler.NewMeasurementHandler(deps)
	wsHandler := handler.NewWSHandler(deps)

	// API v1 routes, all owner-scoped
	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(deps.Verifier, deps.Logger))
	{
		measurements := v1.Group("/measurements")
		{
			// POST /v1/measurements - Submit a recording file
			measurements.POST("", measurementHandler.SubmitFile)

			// POST /v1/measurements/json - Submit inline samples
			measurements.POST("/json", measurementHandler.SubmitJSON)

			// GET /v1/measurements - List the owner's measurements
			measurements.GET("", measurementHandler.ListMeasurements)

			// GET /v1/measurements/:id - Get one measurement
			measurements.GET("/:id", measurementHandler.GetMeasurement)

			// PATCH /v1/measurements/:id - Reclassify a measurement
			measurements.PATCH("/:id", measurementHandler.UpdateTag)
		}

		// GET /v1/ws - Live measurement events
		v1.GET("/ws", wsHandler.Serve)
	}

	return r
}
