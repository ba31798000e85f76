// Package statusserver exposes the agent's state on a loopback HTTP API: the
// channel and ring state, the last uploaded sample, ring dismissal and device
// selection.
package statusserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Status is the snapshot served on GET /status.
type Status struct {
	Server       string     `json:"server"`
	User         string     `json:"user,omitempty"`
	DeviceID     int        `json:"device_id"`
	Channel      string     `json:"channel"`
	Ringing      bool       `json:"ringing"`
	RingingSince *time.Time `json:"ringing_since,omitempty"`
	Interval     string     `json:"interval"`
	Telemetry    bool       `json:"telemetry"`
	LastSample   *Sample    `json:"last_sample,omitempty"`
}

// Sample is the last uploaded location.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Battery   int       `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
}

// Dismisser ends an active ring alert.
type Dismisser interface {
	Dismiss()
}

// DeviceSelector persists the selected device.
type DeviceSelector interface {
	SetDeviceID(id int) error
}

// Opts holds configuration for the status server.
type Opts struct {
	Addr         string // e.g. "127.0.0.1:7700"
	Status       func() Status
	Ringer       Dismisser
	Devices      DeviceSelector
	PollInterval time.Duration // SSE change detection period (default 1s)
	Logger       *zerolog.Logger
}

// Server serves the status API.
type Server struct {
	opts   Opts
	logger zerolog.Logger
	router *gin.Engine
}

// New builds the router. Status, Ringer and Devices are required.
func New(opts Opts) (*Server, error) {
	if opts.Status == nil {
		return nil, fmt.Errorf("statusserver: status func is required")
	}
	if opts.Ringer == nil {
		return nil, fmt.Errorf("statusserver: ringer is required")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("statusserver: device selector is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	logger := log.With().Str("module", "statusserver").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{opts: opts, logger: logger, router: router}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("statusserver: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status API listening")
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("statusserver: %w", err)
	}
	return nil
}
