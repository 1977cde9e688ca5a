// Package api exposes the local console over HTTP for UI surfaces.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bakhe8/icgl/internal/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken string
	// GraphQL, when set, is mounted at /graphql behind the same auth.
	GraphQL http.Handler
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	engine.GET("/healthz", handler.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/openapi", handler.OpenAPIDocument)

	protected := engine.Group("/")
	protected.Use(authMiddleware(opts.APIToken))

	// Live feed
	protected.GET("/timeline", handler.Timeline)
	protected.GET("/timeline/stream", handler.StreamTimeline)

	// Conversation
	protected.GET("/session", handler.Session)
	protected.GET("/transcript", handler.Transcript)
	protected.POST("/chat", handler.Chat)

	// Command gate
	protected.GET("/commands", handler.ListCommands)
	protected.POST("/commands/confirm", handler.ConfirmCommands)
	protected.POST("/commands/reject", handler.RejectCommands)
	protected.GET("/decisions", handler.ListDecisions)

	if opts.GraphQL != nil {
		protected.GET("/graphql", gin.WrapH(opts.GraphQL))
		protected.POST("/graphql", gin.WrapH(opts.GraphQL))
	}

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. The returned
// channel reports a listener failure.
func (s *Server) Start(addr string) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()
	return srv, errs
}

// Shutdown stops srv, waiting up to timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
