/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package profserver

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/service"
)

// ProfServer represents HTTP server for profiling. pprof is used under the hood.
// It implements service.Unit interface.
type ProfServer struct {
	URL            string
	HTTPServer     *http.Server
	Logger         log.FieldLogger
	listener       net.Listener
	httpServerDone chan struct{}
}

var _ service.Unit = (*ProfServer)(nil)

// Opts represents options for creating ProfServer.
type Opts struct {
	// Listener is used instead of listening on Config.Address if it's set.
	Listener net.Listener
}

// New creates a new HTTP server (pprof) for profiling.
func New(cfg *Config, logger log.FieldLogger, opts Opts) *ProfServer {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(),
		middleware.LoggingWithOpts(logger, middleware.LoggingOpts{RequestStart: true}),
	)
	router.Mount("/debug", chimiddleware.Profiler())

	addr := cfg.Address
	if opts.Listener != nil {
		addr = opts.Listener.Addr().String()
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: time.Second * 5,
	}

	return &ProfServer{
		URL:            "http://" + addr,
		HTTPServer:     httpServer,
		Logger:         logger,
		listener:       opts.Listener,
		httpServerDone: make(chan struct{}),
	}
}

// Start starts profiling HTTP server in a blocking way. Supposed this methods will be called in a separate goroutine.
// If a fatal error occurs, it's sent into passed fatalError channel and should be processed outside.
func (s *ProfServer) Start(fatalError chan<- error) {
	defer close(s.httpServerDone)

	logger := s.Logger.With(log.String("address", s.HTTPServer.Addr))

	logger.Info("starting profiling HTTP server...")
	var err error
	if s.listener != nil {
		err = s.HTTPServer.Serve(s.listener)
	} else {
		err = s.HTTPServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("profiling HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
	logger.Info("profiling HTTP server closed")
}

// Stop stops profiling HTTP server (always in no gracefully way).
func (s *ProfServer) Stop(gracefully bool) error {
	s.Logger.Info("closing profiling HTTP server...")
	if err := s.HTTPServer.Close(); err != nil {
		s.Logger.Error("profiling HTTP server closing error", log.Error(err))
		return err
	}
	<-s.httpServerDone // Wait closing of listener.
	return nil
}
