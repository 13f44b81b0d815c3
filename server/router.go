package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	gintrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gin-gonic/gin"

	"github.com/Luismorlan/communitymux/core"
	"github.com/Luismorlan/communitymux/server/middlewares"
)

type RouterOptions struct {
	// Service name reported to the Datadog tracer. Tracing is off when empty.
	TraceServiceName string
	// Shared token required on every route but /ping. Empty disables auth.
	APIToken string
}

// NewRouter returns the HTTP API over service.
func NewRouter(service *core.Service, opts RouterOptions) *gin.Engine {
	// Default With the Logger and Recovery middleware already attached
	router := gin.Default()

	router.Use(cors.Default())
	if opts.TraceServiceName != "" {
		router.Use(gintrace.Middleware(opts.TraceServiceName))
	}

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	h := NewHandlers(service)
	api := router.Group("/", middlewares.APIToken(opts.APIToken))
	api.POST("/queries", h.SubmitQuery)
	api.GET("/queries/:id", h.GetQueryStatus)
	api.GET("/queries/:id/communities", h.ListCommunities)
	api.PUT("/communities/:id/tracking", h.SetTracking)
	api.GET("/communities/:id/scrape_runs", h.GetScrapeHistory)
	api.POST("/subscribers", h.RegisterSubscriber)

	return router
}
