package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/powermem/powermem/internal/platform/logger"
)

// Server owns the configured router and its listen lifecycle.
type Server struct {
	engine *gin.Engine
	log    *logger.Logger
}

func NewServer(cfg RouterConfig) *Server {
	return &Server{engine: NewRouter(cfg), log: cfg.Log}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Run(address string) error {
	if s.log != nil {
		s.log.Info("HTTP server listening", "addr", address)
	}
	return s.engine.Run(address)
}
