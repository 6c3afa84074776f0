package server

import (
	"context"

	"github.com/abduss/timelock/internal/access"
	"github.com/abduss/timelock/internal/config"
	"github.com/abduss/timelock/internal/logger"
	"github.com/abduss/timelock/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger is a backend that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies groups the services required by the HTTP router.
type Dependencies struct {
	Config        config.Config
	Logger        *zap.Logger
	Ledger        Pinger
	BlobStore     Pinger
	AccessService *access.Service
}

// NewRouter builds a Gin engine with foundational middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	metrics.InitMetrics()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.Middleware(deps.Logger))
	router.Use(metrics.Middleware())
	router.Use(securityHeaders(deps.Config.CORS.AllowedOrigin))

	registerHealthRoutes(router, deps)
	metrics.Register(router, deps.Config.Metrics.PrometheusPath)

	api := router.Group("/api")
	if deps.AccessService != nil {
		access.RegisterRoutes(api, deps.AccessService)
	}

	return router
}
