// Package api exposes the observatory over HTTP: REST reads for
// conversations and projects, operational endpoints for health and
// metrics, and the WebSocket endpoint for live updates.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osbornesec/ccobservatory/pkg/auth"
	"github.com/osbornesec/ccobservatory/pkg/events"
	"github.com/osbornesec/ccobservatory/pkg/monitor"
	"github.com/osbornesec/ccobservatory/pkg/parser"
	"github.com/osbornesec/ccobservatory/pkg/pipeline"
	"github.com/osbornesec/ccobservatory/pkg/writer"
)

// Pipeline is the slice of the orchestrator the server needs.
// Implemented by pipeline.Orchestrator.
type Pipeline interface {
	CheckHealth(ctx context.Context) pipeline.Health
	Stats() pipeline.ProcessingStats
}

// Server is the HTTP server. All fields are optional except engine;
// handlers degrade gracefully when a dependency is absent.
type Server struct {
	db          *sql.DB
	pipe        Pipeline
	monitor     *monitor.PerformanceMonitor
	parser      *parser.Parser
	writer      *writer.Writer
	connManager *events.ConnectionManager
	validator   auth.TokenValidator

	engine     *gin.Engine
	httpServer *http.Server
}

// Deps collects the server's collaborators.
type Deps struct {
	DB          *sql.DB
	Pipeline    Pipeline
	Monitor     *monitor.PerformanceMonitor
	Parser      *parser.Parser
	Writer      *writer.Writer
	ConnManager *events.ConnectionManager
	Validator   auth.TokenValidator
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		db:          deps.DB,
		pipe:        deps.Pipeline,
		monitor:     deps.Monitor,
		parser:      deps.Parser,
		writer:      deps.Writer,
		connManager: deps.ConnManager,
		validator:   deps.Validator,
		engine:      engine,
	}

	engine.GET("/health", s.healthHandler)
	engine.GET("/ws", s.wsHandler)

	apiGroup := engine.Group("/api")
	{
		apiGroup.GET("/conversations", s.listConversationsHandler)
		apiGroup.GET("/conversations/:id", s.getConversationHandler)
		apiGroup.GET("/projects", s.listProjectsHandler)
		apiGroup.GET("/metrics", s.metricsHandler)
		apiGroup.GET("/system", s.systemHandler)
	}

	return s
}

// Handler returns the underlying http.Handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves until Shutdown. Blocking.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
