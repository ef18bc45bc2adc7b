/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admissiond wires the admission control components into an HTTP service:
// named limiters with runtime-refreshable thresholds, the settings store, the admin API and the sweeper.
package admissiond

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/httpserver"
	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/profserver"
	"github.com/acronis/go-admission/ratelimit"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/service"
	"github.com/acronis/go-admission/settings"
)

// ErrorDomain is used in error responses of the service.
const ErrorDomain = "Admissiond"

const metricsNamespace = "admissiond"

const sweeperStopTimeout = 5 * time.Second

// Opts represents optional parameters for New.
type Opts struct {
	Clock    clockwork.Clock
	Listener net.Listener

	// ProfListener is used by the profiling server (if it's enabled) instead of listening on its address.
	ProfListener net.Listener
}

// App is the admissiond service. It implements service.Unit and service.MetricsRegisterer.
type App struct {
	Config   *AppConfig
	Logger   log.FieldLogger
	Registry *ratelimit.Registry
	Metrics  *ratelimit.PrometheusMetrics
	Server   *httpserver.HTTPServer

	// ProfServer is nil unless profiling is enabled.
	ProfServer *profserver.ProfServer

	// Store is nil unless the "sqlite" or "redis" settings backend is used.
	Store settings.Store

	dp         config.DataProvider
	getKey     middleware.ClientKeyFunc
	adminGuard func(http.Handler) http.Handler
	unit       *service.CompositeUnit
	stopWatch  context.CancelFunc
	stopOnce   sync.Once
}

var _ service.Unit = (*App)(nil)
var _ service.MetricsRegisterer = (*App)(nil)

// New creates the service. The settings database (if configured) is opened here,
// so ctx bounds waiting for it.
func New(ctx context.Context, cfg *AppConfig, dp config.DataProvider, logger log.FieldLogger, opts Opts) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	admCfg := cfg.Admission

	getKey, err := middleware.NewClientKeyFunc(admCfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("client key: %w", err)
	}
	adminGuard, err := middleware.AccessGuard(ErrorDomain, middleware.AccessGuardOpts{
		AllowedNetworks: admCfg.Admin.AllowedNetworks,
		Token:           admCfg.Admin.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("admin access: %w", err)
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    ratelimit.NewPrometheusMetricsWithOpts(ratelimit.PrometheusMetricsOpts{Namespace: metricsNamespace}),
		dp:         dp,
		getKey:     getKey,
		adminGuard: adminGuard,
	}

	source, err := app.initSettingsSource(ctx)
	if err != nil {
		return nil, err
	}

	app.Registry = ratelimit.NewRegistry(source, ratelimit.LimiterOpts{
		Clock:            opts.Clock,
		Logger:           logger,
		MetricsCollector: app.Metrics,
		RefreshInterval:  admCfg.RefreshInterval,
		ConfigTimeout:    admCfg.ConfigTimeout,
		MaxKeys:          admCfg.MaxKeys,
	})
	for _, def := range admCfg.Limiters {
		app.Registry.Get(def.Name, def.LimiterParams())
	}

	app.Server = httpserver.New(cfg.Server, logger, httpserver.Opts{
		Routes:             app.routes,
		ErrorDomain:        ErrorDomain,
		HealthCheck:        app.healthCheck,
		HTTPRequestMetrics: httpserver.HTTPRequestMetricsOpts{Namespace: metricsNamespace},
		Listener:           opts.Listener,
	})

	units := []service.Unit{app.Server}
	if admCfg.SweepInterval > 0 {
		sweeper := service.NewPeriodicWorker(service.WorkerFunc(app.Registry.Run), admCfg.SweepInterval,
			logger.With(log.String("worker", "limiter_sweeper")),
			service.PeriodicWorkerOpts{InitialDelay: admCfg.SweepInterval, Clock: opts.Clock})
		units = append(units, service.NewWorkerUnit(sweeper, service.WorkerUnitOpts{GracefulStopTimeout: sweeperStopTimeout}))
	}
	if cfg.ProfServer.Enabled {
		app.ProfServer = profserver.New(cfg.ProfServer, logger.With(log.String("server", "pprof")),
			profserver.Opts{Listener: opts.ProfListener})
		units = append(units, app.ProfServer)
	}
	app.unit = service.NewCompositeUnit(units...)

	return app, nil
}

func (a *App) initSettingsSource(ctx context.Context) (ratelimit.ConfigSource, error) {
	settingsCfg := a.Config.Admission.Settings
	valuesKey := a.Config.Admission.KeyPrefix() + "." + cfgKeySettingsValues
	fileSource := settings.NewProviderSource(config.NewKeyPrefixedDataProvider(a.dp, valuesKey))

	if settingsCfg.WatchFile {
		if _, ok := a.dp.(*config.ViperAdapter); !ok {
			return nil, fmt.Errorf("%s: config file watching is not supported by %T", cfgKeySettingsWatchFile, a.dp)
		}
	}

	switch settingsCfg.Backend {
	case SettingsBackendSQLite, SettingsBackendRedis:
		store, err := openSettingsStore(ctx, settingsCfg, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Store = store
		return settings.ChainSource{store, fileSource}, nil
	case SettingsBackendConfig:
		return fileSource, nil
	default:
		return nil, nil
	}
}

func openSettingsStore(ctx context.Context, cfg SettingsConfig, logger log.FieldLogger) (settings.Store, error) {
	if cfg.Backend == SettingsBackendRedis {
		store, err := settings.OpenRedisStore(ctx, cfg.RedisURL,
			settings.RedisStoreOpts{Logger: logger, HashKey: cfg.RedisHashKey})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := settings.OpenSQLStore(ctx, cfg.DSN, settings.SQLStoreOpts{Logger: logger})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Handler returns the root HTTP handler of the service.
func (a *App) Handler() http.Handler {
	return a.Server.HTTPRouter
}

// Start starts the HTTP server, the sweeper and config file watching (if enabled).
func (a *App) Start(fatalErr chan<- error) {
	if a.Config.Admission.Settings.WatchFile {
		a.startWatchingConfigFile()
	}
	a.unit.Start(fatalErr)
}

func (a *App) startWatchingConfigFile() {
	va := a.dp.(*config.ViperAdapter)
	ctx, cancel := context.WithCancel(context.Background())
	err := va.WatchFile(ctx, func(err error) {
		if err != nil {
			a.Logger.Warn("failed to reload config file, previous thresholds will be used", log.Error(err))
			return
		}
		a.Logger.Info("config file reloaded")
	})
	if err != nil {
		cancel()
		a.Logger.Error("failed to watch config file", log.Error(err))
		return
	}
	a.stopWatch = cancel
}

// Stop stops all components and closes the settings store.
func (a *App) Stop(gracefully bool) error {
	err := a.unit.Stop(gracefully)
	a.stopOnce.Do(func() {
		if a.stopWatch != nil {
			a.stopWatch()
		}
		if a.Store != nil {
			if closeErr := a.Store.Close(); closeErr != nil {
				a.Logger.Error("failed to close settings store", log.Error(closeErr))
			}
		}
	})
	return err
}

// MustRegisterMetrics registers metrics of the HTTP server, the limiters and REST API errors.
func (a *App) MustRegisterMetrics() {
	a.unit.MustRegisterMetrics()
	a.Metrics.MustRegister()
	restapi.MustInitAndRegisterMetrics(metricsNamespace)
}

// UnregisterMetrics unregisters all metrics registered by MustRegisterMetrics.
func (a *App) UnregisterMetrics() {
	a.unit.UnregisterMetrics()
	a.Metrics.Unregister()
	restapi.UnregisterMetrics()
}

func (a *App) healthCheck(ctx context.Context) (httpserver.HealthCheckResult, error) {
	res := httpserver.HealthCheckResult{"limiters": httpserver.HealthCheckStatusOK}
	if a.Store != nil {
		res["settings"] = httpserver.HealthCheckStatusOK
		if err := a.Store.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.Logger.Warn("settings store is unavailable", log.Error(err))
			res["settings"] = httpserver.HealthCheckStatusFail
		}
	}
	return res, nil
}
