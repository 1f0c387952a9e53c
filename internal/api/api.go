// Package api exposes a small read-only HTTP surface for operational
// visibility: GET /healthz and GET /stats. It is deliberately separate
// from the DNS listen address and serves no DNS traffic itself, so it
// does not reintroduce the DoH/DoT/DoQ transports the core explicitly
// excludes; it exists purely so an operator (or a monitoring probe) has
// somewhere to look, the way the teacher project exposes /stats via gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rafalfr/dnsveto/internal/stats"
)

// Server wraps a gin engine bound to a single admin listen address.
type Server struct {
	httpServer *http.Server
}

// New builds a Server serving /healthz and /stats from the given
// Manager. addr empty means the caller should not call Start at all;
// New still succeeds so callers can construct unconditionally.
func New(addr string, m *stats.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Snapshot())
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the HTTP server until Shutdown is called. It blocks; callers
// run it in its own goroutine.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
