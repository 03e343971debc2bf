package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/api/handlers"
	"github.com/leozw/credentials-manager/internal/api/middleware"
	"github.com/leozw/credentials-manager/internal/config"
)

type Server struct {
	Router *gin.Engine
}

func NewServer(cfg config.ServerConfig, h *handlers.Handler, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	server := &Server{Router: router}
	server.setupRoutes(h, metricsHandler)
	return server
}

func (s *Server) setupRoutes(h *handlers.Handler, metricsHandler http.Handler) {
	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	if metricsHandler != nil {
		s.Router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := s.Router.Group("/api/v1")
	{
		// The segment after /leases/ is a network title on GET and a lease id
		// on POST; gin allows one wildcard name per position.
		api.GET("/leases", h.ListLeases)
		api.GET("/leases/:ref", h.GetLease)
		api.POST("/leases/:ref/outcome", h.ReportOutcome)
		api.POST("/leases/:ref/reset", h.ResetLease)
		api.POST("/outcomes", h.ReportOutcome)
		api.POST("/usage", h.RecordUsage)
		api.GET("/proxies", h.ListProxies)
		api.GET("/proxies/:network", h.GetProxy)
		api.GET("/networks/:network/limits", h.GetLimits)
	}

	jobs := api.Group("/jobs")
	{
		jobs.POST("/dispatch", h.RunDispatch)
		jobs.POST("/recover", h.RunRecover)
		jobs.POST("/check-proxies", h.RunCheckProxies)
		jobs.POST("/pairings", h.RunPairings)
	}
}
