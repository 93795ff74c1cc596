package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/icaro258/iotv/internal/device"
	"github.com/icaro258/iotv/internal/heartbeat"
	"github.com/icaro258/iotv/internal/infrastructure/config"
	"github.com/icaro258/iotv/internal/infrastructure/logging"
	"github.com/icaro258/iotv/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Auth     config.AuthConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Ingestor *heartbeat.Ingestor
	Sweeper  *heartbeat.Sweeper
	MQTT     *mqtt.Client       // optional; power commands are not forwarded to devices without it
	Status   heartbeat.Notifier // optional; operator status changes are mirrored to it
	Version  string
}

// Server is the HTTP API server for the iotv fleet monitor.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	authCfg  config.AuthConfig
	logger   *logging.Logger
	registry *device.Registry
	ingestor *heartbeat.Ingestor
	sweeper  *heartbeat.Sweeper
	mqtt     *mqtt.Client
	status   heartbeat.Notifier
	version  string
	server   *http.Server
	hub      *Hub
	tickets  *ticketStore
	cancel   context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Ingestor == nil {
		return nil, fmt.Errorf("heartbeat ingestor is required")
	}
	// MQTT is optional. Without it power commands update the registry but
	// are not forwarded to devices.

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		authCfg:  deps.Auth,
		logger:   deps.Logger,
		registry: deps.Registry,
		ingestor: deps.Ingestor,
		sweeper:  deps.Sweeper,
		mqtt:     deps.MQTT,
		status:   deps.Status,
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger),
		tickets:  newTicketStore(),
	}, nil
}

// Hub returns the server's WebSocket hub. The heartbeat pipeline uses it
// as its notifier so accepted heartbeats and sweep demotions reach
// connected dashboards.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and ticket cleanup, builds the router, and
// launches the HTTP listener in a background goroutine. The server is
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
