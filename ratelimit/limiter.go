/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/acronis/go-admission/log"
)

// Default values for Limiter parameters.
const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultConfigTimeout   = 2 * time.Second
	DefaultMaxKeys         = 100000
	DefaultWindowUnit      = time.Minute
)

// FallbackConfig is used instead of the limiter defaults if they are not valid.
var FallbackConfig = LimiterConfig{MaxRequests: 100, Window: time.Minute}

// Window is evicted when its start is older than staleWindowFactor windows.
const staleWindowFactor = 2

// MaxWindow is the longest supported window.
const MaxWindow = time.Duration(math.MaxInt64 / staleWindowFactor)

// Counter keeps growing for rejected requests, but never overflows.
const maxWindowCount = math.MaxInt32

// LimiterConfig describes how many requests may be admitted for a single client key within a window.
type LimiterConfig struct {
	MaxRequests int
	Window      time.Duration
}

// Validate checks that both thresholds are positive and the window doesn't exceed MaxWindow.
func (c LimiterConfig) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max requests should be positive, got %d", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", c.Window)
	}
	if c.Window > MaxWindow {
		return fmt.Errorf("window should not exceed %s, got %s", MaxWindow, c.Window)
	}
	return nil
}

// LimiterParams describes where the limiter configuration is sourced from.
type LimiterParams struct {
	// ConfigKeyMax is a ConfigSource key for the maximum number of requests within a window.
	ConfigKeyMax string

	// ConfigKeyWindow is a ConfigSource key for the window length expressed in WindowUnit units.
	ConfigKeyWindow string

	// WindowUnit is a unit of the value stored by ConfigKeyWindow. DefaultWindowUnit (minute) is used if zero.
	WindowUnit time.Duration

	// Defaults is used until the configuration is successfully read from ConfigSource.
	Defaults LimiterConfig
}

// LimiterOpts represents optional parameters for Limiter.
type LimiterOpts struct {
	Clock            clockwork.Clock
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector

	// RefreshInterval determines how often the configuration is re-read from ConfigSource.
	RefreshInterval time.Duration

	// ConfigTimeout bounds a single configuration read.
	ConfigTimeout time.Duration

	// SweepInterval determines how often stale windows are evicted during Allow calls.
	// If zero, the current window length is used.
	SweepInterval time.Duration

	// MaxKeys is a hard cap for the number of tracked client keys.
	// The least recently used key is evicted when the cap is reached.
	MaxKeys int
}

type windowState struct {
	start time.Time
	count int
}

// Limiter admits or rejects requests of a single named surface using fixed-window counting.
type Limiter struct {
	name            string
	params          LimiterParams
	source          ConfigSource
	clock           clockwork.Clock
	logger          log.FieldLogger
	metrics         MetricsCollector
	refreshInterval time.Duration
	configTimeout   time.Duration
	sweepInterval   time.Duration

	lastConfigRefresh *atomic.Time
	refreshing        *atomic.Bool

	mu        sync.Mutex
	cfg       LimiterConfig
	windows   *simplelru.LRU
	lastSweep time.Time
	evicted   int
}

// NewLimiter creates a new Limiter.
// Source may be nil, in this case the defaults from params are always used.
func NewLimiter(name string, source ConfigSource, params LimiterParams, opts LimiterOpts) *Limiter {
	if params.WindowUnit <= 0 {
		params.WindowUnit = DefaultWindowUnit
	}
	if params.Defaults.MaxRequests <= 0 {
		params.Defaults.MaxRequests = FallbackConfig.MaxRequests
	}
	if params.Defaults.Window <= 0 || params.Defaults.Window > MaxWindow {
		params.Defaults.Window = FallbackConfig.Window
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.ConfigTimeout <= 0 {
		opts.ConfigTimeout = DefaultConfigTimeout
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}

	l := &Limiter{
		name:              name,
		params:            params,
		source:            source,
		clock:             opts.Clock,
		logger:            opts.Logger.With(log.String("limiter", name)),
		metrics:           opts.MetricsCollector,
		refreshInterval:   opts.RefreshInterval,
		configTimeout:     opts.ConfigTimeout,
		sweepInterval:     opts.SweepInterval,
		lastConfigRefresh: atomic.NewTime(time.Time{}),
		refreshing:        atomic.NewBool(false),
		cfg:               params.Defaults,
		lastSweep:         opts.Clock.Now(),
	}
	// Error is possible only for non-positive size.
	l.windows, _ = simplelru.NewLRU(opts.MaxKeys, func(_, _ interface{}) { l.evicted++ })
	return l
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Config returns the effective limiter configuration.
func (l *Limiter) Config() LimiterConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Len returns the number of currently tracked client windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windows.Len()
}

// Allow reports whether the request of the client with the given key should be admitted.
// One unit of quota is consumed. The client key is treated as an opaque string, the empty one included.
func (l *Limiter) Allow(clientKey string) bool {
	allow, _ := l.Check(clientKey)
	return allow
}

// Check works like Allow, but also returns the estimated time
// after which the rejected client may retry (zero if the request is admitted).
func (l *Limiter) Check(clientKey string) (allow bool, retryAfter time.Duration) {
	now := l.clock.Now()
	l.refreshConfigIfNeeded(now)

	l.mu.Lock()
	cfg := l.cfg
	l.sweepIfNeeded(now, cfg.Window)

	var ws *windowState
	if val, ok := l.windows.Get(clientKey); ok {
		ws = val.(*windowState)
	}
	switch {
	case ws == nil:
		l.windows.Add(clientKey, &windowState{start: now, count: 1})
		allow = true
	case now.Sub(ws.start) >= cfg.Window:
		ws.start, ws.count = now, 1
		allow = true
	default:
		if ws.count < maxWindowCount {
			ws.count++
		}
		if allow = ws.count <= cfg.MaxRequests; !allow {
			retryAfter = ws.start.Add(cfg.Window).Sub(now)
		}
	}
	windowsNum, evicted := l.windows.Len(), l.takeEvicted()
	l.mu.Unlock()

	if allow {
		l.metrics.IncAdmitted(l.name)
	} else {
		l.metrics.IncRejected(l.name)
	}
	l.reportWindows(windowsNum, evicted)
	return allow, retryAfter
}

// Sweep evicts stale client windows and returns their number.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	l.sweep(now, l.cfg.Window)
	windowsNum, evicted := l.windows.Len(), l.takeEvicted()
	l.mu.Unlock()
	l.reportWindows(windowsNum, evicted)
	return evicted
}

func (l *Limiter) sweepIfNeeded(now time.Time, window time.Duration) {
	interval := l.sweepInterval
	if interval <= 0 {
		interval = window
	}
	if now.Sub(l.lastSweep) < interval {
		return
	}
	l.sweep(now, window)
}

// sweep walks windows from the least recently used one and stops at the first non-stale window.
// A stale window used more recently than some non-stale one is kept until a later pass reaches it.
func (l *Limiter) sweep(now time.Time, window time.Duration) {
	l.lastSweep = now
	staleBefore := now.Add(-staleWindowFactor * window)
	for {
		_, val, ok := l.windows.GetOldest()
		if !ok || val.(*windowState).start.After(staleBefore) {
			return
		}
		l.windows.RemoveOldest()
	}
}

func (l *Limiter) takeEvicted() int {
	n := l.evicted
	l.evicted = 0
	return n
}

func (l *Limiter) reportWindows(windowsNum, evicted int) {
	l.metrics.SetWindows(l.name, windowsNum)
	if evicted > 0 {
		l.metrics.AddEvictions(l.name, evicted)
	}
}

func (l *Limiter) hasSource() bool {
	return l.source != nil && (l.params.ConfigKeyMax != "" || l.params.ConfigKeyWindow != "")
}

func (l *Limiter) refreshConfigIfNeeded(now time.Time) {
	if !l.hasSource() {
		return
	}
	if now.Sub(l.lastConfigRefresh.Load()) < l.refreshInterval {
		return
	}
	if !l.refreshing.CompareAndSwap(false, true) {
		return // Another goroutine is refreshing, the current config is used meanwhile.
	}
	defer l.refreshing.Store(false)
	if now.Sub(l.lastConfigRefresh.Load()) < l.refreshInterval {
		return
	}
	// The attempt time is stored even if the refresh fails, so a broken source is not queried on every request.
	l.lastConfigRefresh.Store(now)
	_ = l.refreshConfig()
}

// RefreshConfig re-reads the configuration from the source regardless of the refresh interval.
// On failure the current configuration is kept and the error is returned.
// It's a no-op if another refresh is in progress or the limiter has no source.
func (l *Limiter) RefreshConfig() error {
	if !l.hasSource() {
		return nil
	}
	if !l.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer l.refreshing.Store(false)
	l.lastConfigRefresh.Store(l.clock.Now())
	return l.refreshConfig()
}

func (l *Limiter) refreshConfig() error {
	l.mu.Lock()
	prevCfg := l.cfg
	l.mu.Unlock()

	cfg, err := l.readConfig(prevCfg)
	if err != nil {
		l.metrics.IncConfigRefreshFailures(l.name)
		l.logger.Warn("failed to refresh rate limit config, previous one will be used",
			log.Error(err), log.Int("max_requests", prevCfg.MaxRequests), log.Duration("window", prevCfg.Window))
		return err
	}
	if cfg == prevCfg {
		return nil
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	l.logger.Info("rate limit config changed",
		log.Int("max_requests", cfg.MaxRequests), log.Duration("window", cfg.Window))
	return nil
}

type readConfigResult struct {
	cfg LimiterConfig
	err error
}

// readConfig reads the configuration in a separate goroutine,
// so even a source that ignores context cancellation cannot stall the request longer than configTimeout.
func (l *Limiter) readConfig(prevCfg LimiterConfig) (LimiterConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.configTimeout)
	defer cancel()

	done := make(chan readConfigResult, 1)
	go func() {
		var res readConfigResult
		defer func() {
			if p := recover(); p != nil {
				res = readConfigResult{err: fmt.Errorf("config source panic: %v", p)}
			}
			done <- res
		}()
		res.cfg, res.err = l.readConfigFromSource(ctx, prevCfg)
	}()

	select {
	case res := <-done:
		return res.cfg, res.err
	case <-ctx.Done():
		return LimiterConfig{}, fmt.Errorf("read config: %w", ctx.Err())
	}
}

// readConfigFromSource uses the default for every key the source doesn't have.
func (l *Limiter) readConfigFromSource(ctx context.Context, prevCfg LimiterConfig) (LimiterConfig, error) {
	cfg := prevCfg
	if l.params.ConfigKeyMax != "" {
		maxRequests, err := l.source.GetInt(ctx, l.params.ConfigKeyMax)
		switch {
		case errors.Is(err, ErrKeyNotFound):
			cfg.MaxRequests = l.params.Defaults.MaxRequests
		case err != nil:
			return LimiterConfig{}, fmt.Errorf("get %q: %w", l.params.ConfigKeyMax, err)
		default:
			cfg.MaxRequests = maxRequests
		}
	}
	if l.params.ConfigKeyWindow != "" {
		windowUnits, err := l.source.GetInt(ctx, l.params.ConfigKeyWindow)
		switch {
		case errors.Is(err, ErrKeyNotFound):
			cfg.Window = l.params.Defaults.Window
		case err != nil:
			return LimiterConfig{}, fmt.Errorf("get %q: %w", l.params.ConfigKeyWindow, err)
		case int64(windowUnits) > math.MaxInt64/int64(l.params.WindowUnit):
			return LimiterConfig{}, fmt.Errorf("%q: window is too large, got %d", l.params.ConfigKeyWindow, windowUnits)
		default:
			cfg.Window = time.Duration(windowUnits) * l.params.WindowUnit
		}
	}
	if err := cfg.Validate(); err != nil {
		return LimiterConfig{}, err
	}
	return cfg, nil
}
