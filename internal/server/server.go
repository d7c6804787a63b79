package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/handlers"
)

// Server owns the HTTP listener and the route table
type Server struct {
	httpServer *http.Server
	apiPrefix  string
	uploadRate float64
	logger     arbor.ILogger

	apiHandler      *handlers.APIHandler
	uploadHandler   *handlers.UploadHandler
	progressHandler *handlers.ProgressHandler
	importHandler   *handlers.ImportHandler
	productHandler  *handlers.ProductHandler
	webhookHandler  *handlers.WebhookHandler
}

// Options carries everything the server needs beyond its handlers
type Options struct {
	Host       string
	Port       int
	APIPrefix  string
	UploadRate float64

	API      *handlers.APIHandler
	Upload   *handlers.UploadHandler
	Progress *handlers.ProgressHandler
	Imports  *handlers.ImportHandler
	Products *handlers.ProductHandler
	Webhooks *handlers.WebhookHandler
}

// New creates a server with its routes wired
func New(opts Options, logger arbor.ILogger) *Server {
	s := &Server{
		apiPrefix:       opts.APIPrefix,
		uploadRate:      opts.UploadRate,
		logger:          logger,
		apiHandler:      opts.API,
		uploadHandler:   opts.Upload,
		progressHandler: opts.Progress,
		importHandler:   opts.Imports,
		productHandler:  opts.Products,
		webhookHandler:  opts.Webhooks,
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: s.setupRoutes(),
		// No WriteTimeout: SSE connections stay open indefinitely
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Start begins serving. Blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Str("api_prefix", s.apiPrefix).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server stopping")
	return s.httpServer.Shutdown(ctx)
}
