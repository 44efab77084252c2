// Package httpapi is the thin gin adapter translating wire requests
// into Upload Manager operations.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/eventbus"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/manager"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/metrics"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/middleware"
)

// Server bundles the gin engine with its collaborators.
type Server struct {
	engine  *gin.Engine
	manager *manager.Manager
	bus     *eventbus.Bus

	maxChunkSize int64
	maxProbeSize int64
}

// New builds the router and registers every route in the wire
// contract.
func New(m *manager.Manager, bus *eventbus.Bus, limiter *middleware.RateLimiter, allowedOrigins []string, maxChunkSize, maxProbeSize int64) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(allowedOrigins))
	engine.Use(metrics.Middleware())
	engine.Use(middleware.RateLimit(limiter))

	s := &Server{engine: engine, manager: m, bus: bus, maxChunkSize: maxChunkSize, maxProbeSize: maxProbeSize}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.POST("/users/identify", s.handleIdentify)
	api.GET("/uploads", s.handleGetSnapshot)
	api.GET("/uploads/:id", s.handleGetUpload)
	api.POST("/uploads", s.handleCreateUpload)
	api.POST("/uploads/:id/chunk", s.handleChunkUpload)
	api.POST("/uploads/:id/state", s.handleUpdateState)
	api.DELETE("/uploads/history", s.handleClearHistory)
	api.POST("/network/probe", s.handleNetworkProbe)
	api.GET("/uploads/:id/download", s.handleDownload)
	api.GET("/uploads/:id/events", s.handleEvents)

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/healthz", s.handleHealthz)
}

// Handler exposes the underlying http.Handler for cmd/server to serve.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
