/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/service"
)

// systemEndpoints is a list of endpoints which are not involved in metrics collecting and admission control.
var systemEndpoints = []string{"/metrics", "/healthz"}

// Routes configures application routes on the root router.
type Routes = func(router chi.Router)

// HTTPRequestMetricsOpts represents options for HTTPRequestMetrics middleware that used in HTTPServer.
type HTTPRequestMetricsOpts struct {
	Namespace       string
	DurationBuckets []float64
	GetRoutePattern middleware.RoutePatternGetterFunc
}

// Opts represents options for creating HTTPServer.
type Opts struct {
	// Routes configures application routes. Admission middlewares are usually applied here per route group.
	Routes Routes
	// RootMiddlewares is a list of middlewares to be applied to the root router after the default ones.
	RootMiddlewares []func(http.Handler) http.Handler
	// ErrorDomain is used for error response formatting.
	ErrorDomain string
	// HealthCheck performs health check logic for the /healthz endpoint.
	HealthCheck HealthCheck
	// MetricsHandler is a custom handler for the /metrics endpoint (promhttp.Handler() is used by default).
	MetricsHandler http.Handler
	// HTTPRequestMetrics contains options for configuring HTTP request metrics middleware.
	HTTPRequestMetrics HTTPRequestMetricsOpts
	// Listener is a pre-configured network listener to use instead of creating a new one.
	Listener net.Listener
}

// HTTPServer represents a wrapper around http.Server with additional fields and methods.
// chi.Router is used as a handler for the server.
// It also implements service.Unit and service.MetricsRegisterer interfaces.
type HTTPServer struct {
	URL             string
	HTTPServer      *http.Server
	TLS             TLSConfig
	HTTPRouter      chi.Router
	Logger          log.FieldLogger
	ShutdownTimeout time.Duration

	listener         net.Listener
	port             int32
	httpServerDone   atomic.Value
	metricsCollector *middleware.HTTPRequestMetricsCollector
}

var _ service.Unit = (*HTTPServer)(nil)
var _ service.MetricsRegisterer = (*HTTPServer)(nil)

// New creates a new HTTPServer with predefined logging, metrics collecting,
// recovering after panics and health-checking functionality.
func New(cfg *Config, logger log.FieldLogger, opts Opts) *HTTPServer { //nolint // hugeParam: opts is heavy, it's ok in this case.
	metricsCollector := middleware.NewHTTPRequestMetricsCollectorWithOpts(middleware.HTTPRequestMetricsCollectorOpts{
		Namespace:       opts.HTTPRequestMetrics.Namespace,
		DurationBuckets: opts.HTTPRequestMetrics.DurationBuckets,
	})

	router := chi.NewRouter()
	applyDefaultMiddlewaresToRouter(router, cfg, logger, opts, metricsCollector)
	configureRouter(router, logger, opts)

	httpServer := &http.Server{
		Addr:              cfg.Address,
		WriteTimeout:      cfg.Timeouts.Write,
		ReadTimeout:       cfg.Timeouts.Read,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader,
		IdleTimeout:       cfg.Timeouts.Idle,
		Handler:           router,
	}
	serverURL := "http://" + cfg.Address
	if cfg.TLS.Enabled {
		serverURL = "https://" + cfg.Address
	}

	return &HTTPServer{
		URL:              serverURL,
		HTTPServer:       httpServer,
		TLS:              cfg.TLS,
		HTTPRouter:       router,
		Logger:           logger,
		ShutdownTimeout:  cfg.Timeouts.Shutdown,
		listener:         opts.Listener,
		metricsCollector: metricsCollector,
	}
}

// Start starts application HTTP server in a blocking way.
// It's supposed that this method will be called in a separate goroutine.
// If a fatal error occurs, it will be sent to the fatalError channel.
func (s *HTTPServer) Start(fatalError chan<- error) {
	done := make(chan struct{})
	defer close(done)
	s.httpServerDone.Store(done)

	logger := s.Logger.With(
		log.String("address", s.HTTPServer.Addr),
		log.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		log.Duration("read_timeout", s.HTTPServer.ReadTimeout),
		log.Duration("read_header_timeout", s.HTTPServer.ReadHeaderTimeout),
		log.Duration("idle_timeout", s.HTTPServer.IdleTimeout),
		log.Duration("shutdown_timeout", s.ShutdownTimeout),
	)

	logger.Info("starting application HTTP server...")

	var err error
	if s.listener == nil {
		if s.listener, err = net.Listen("tcp", s.HTTPServer.Addr); err != nil {
			logger.Error("application HTTP server error", log.Error(err))
			fatalError <- err
			return
		}
	}

	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		atomic.StoreInt32(&s.port, int32(tcpAddr.Port)) //nolint:gosec // port fits int32
	} else if _, portStr, splitErr := net.SplitHostPort(s.listener.Addr().String()); splitErr == nil {
		if port, convErr := strconv.Atoi(portStr); convErr == nil {
			atomic.StoreInt32(&s.port, int32(port)) //nolint:gosec // port fits int32
		}
	}

	if s.TLS.Enabled {
		err = s.HTTPServer.ServeTLS(s.listener, s.TLS.Certificate, s.TLS.Key)
	} else {
		err = s.HTTPServer.Serve(s.listener)
	}
	if err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("application HTTP server closed")
			return
		}
		logger.Error("application HTTP server error", log.Error(err))
		fatalError <- err
	}
}

// Stop stops application HTTP server (gracefully or not).
func (s *HTTPServer) Stop(gracefully bool) error {
	defer s.waitServeDone()

	if !gracefully {
		s.Logger.Info("closing application HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("application HTTP server closing error", log.Error(err))
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()

	s.Logger.Info("shutting down application HTTP server...", log.Duration("timeout", s.ShutdownTimeout))
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		s.Logger.Error("application HTTP server shutting down error", log.Error(err))
		return err
	}
	s.Logger.Info("application HTTP server shut down")
	return nil
}

func (s *HTTPServer) waitServeDone() {
	if done, ok := s.httpServerDone.Load().(chan struct{}); ok && done != nil {
		<-done
	}
}

// MustRegisterMetrics registers metrics in Prometheus client and panics if any error occurs.
func (s *HTTPServer) MustRegisterMetrics() {
	s.metricsCollector.MustRegister()
}

// UnregisterMetrics unregisters metrics in Prometheus client.
func (s *HTTPServer) UnregisterMetrics() {
	s.metricsCollector.Unregister()
}

// GetPort returns the port the server listens on. It's zero until the server is started.
func (s *HTTPServer) GetPort() int {
	return int(atomic.LoadInt32(&s.port))
}
