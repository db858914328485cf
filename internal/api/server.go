// Package api is the HTTP transport in front of the blob registry. It
// authenticates callers, delivers their verified identity into the core, and
// maps the core's error taxonomy onto status codes. It holds no state of its
// own.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blobvault/blobvault/internal/blob"
	"github.com/blobvault/blobvault/pkg/config"
)

// Server wires the registry into gin routes.
type Server struct {
	registry *blob.Registry
	cfg      *config.Config
	engine   *gin.Engine
}

// NewServer builds the route table.
func NewServer(cfg *config.Config, registry *blob.Registry) *Server {
	s := &Server{registry: registry, cfg: cfg}

	engine := gin.New()
	engine.Use(gin.Recovery(), RequestID(), RequestLogger())

	v1 := engine.Group("/api/v1")
	{
		callers := v1.Group("", CallerAuth([]byte(cfg.Auth.JWTSecret)))
		{
			callers.POST("/sessions", s.createSession)
			callers.PUT("/sessions/:id/data", s.writeSessionData)
			callers.POST("/sessions/:id/commit", s.commitSession)
			callers.DELETE("/sessions/:id", s.deleteSession)

			callers.POST("/blobs/open", s.openBlob)

			callers.POST("/leases", s.acquireLease)
			callers.DELETE("/leases", s.releaseLease)
		}

		admin := v1.Group("/admin", ServiceAuth(cfg.Auth.ServiceTokenHash))
		{
			admin.GET("/dump", s.dump)
			admin.POST("/maintenance", s.runMaintenance)
		}
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	s.engine = engine
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}
