// Package server exposes the lifecycle engine, the archive manager, the
// attachment store and the broadcast hub over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/archive"
	"github.com/zulandar/workdesk/internal/attachment"
	"github.com/zulandar/workdesk/internal/broadcast"
	"github.com/zulandar/workdesk/internal/lifecycle"
	"github.com/zulandar/workdesk/internal/logger"
)

// Options wires the HTTP API.
type Options struct {
	Engine  *lifecycle.Engine
	Archive *archive.Manager
	Files   attachment.Store
	Hub     *broadcast.Hub
	Log     logrus.FieldLogger

	JWTSecret string
	// MaxMemory is the number of multipart bytes kept in RAM; the rest is
	// spooled to temporary files.
	MaxMemory int64

	Heartbeat    time.Duration
	PollInterval time.Duration
	WriteTimeout time.Duration
}

// Server holds the handlers' dependencies.
type Server struct {
	engine  *lifecycle.Engine
	archive *archive.Manager
	files   attachment.Store
	hub     *broadcast.Hub
	log     logrus.FieldLogger

	secret       string
	maxMemory    int64
	heartbeat    time.Duration
	pollInterval time.Duration
	writeTimeout time.Duration
}

// New validates opts and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	if opts.Archive == nil {
		return nil, fmt.Errorf("server: archive manager is required")
	}
	if opts.Files == nil {
		return nil, fmt.Errorf("server: attachment store is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("server: hub is required")
	}
	if opts.JWTSecret == "" {
		return nil, fmt.Errorf("server: jwt secret is required")
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = 8 << 20
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Server{
		engine:       opts.Engine,
		archive:      opts.Archive,
		files:        opts.Files,
		hub:          opts.Hub,
		log:          logger.WithComponent(opts.Log, "server"),
		secret:       opts.JWTSecret,
		maxMemory:    opts.MaxMemory,
		heartbeat:    opts.Heartbeat,
		pollInterval: opts.PollInterval,
		writeTimeout: opts.WriteTimeout,
	}, nil
}

// Handler returns the gin router with every route registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(s.log), gin.Recovery())
	s.registerRoutes(router)
	return router
}

// StartOpts holds listener settings for Start.
type StartOpts struct {
	Port            int
	ShutdownTimeout time.Duration
	Out             io.Writer
}

// Start serves the API. It blocks until ctx is cancelled, then shuts down
// gracefully, waiting at most ShutdownTimeout for in-flight requests.
func (s *Server) Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.WithError(err).Warn("forced shutdown")
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Workdesk API listening on http://localhost:%d/api/v1\n", opts.Port)
	}
	s.log.WithField("port", opts.Port).Info("listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
