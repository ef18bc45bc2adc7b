/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-admission/internal/libinfo"
)

const limiterLabel = "limiter"

// MetricsCollector represents a collector of metrics for named limiters.
type MetricsCollector interface {
	// IncAdmitted increments the total number of admitted requests.
	IncAdmitted(limiter string)

	// IncRejected increments the total number of rejected requests.
	IncRejected(limiter string)

	// SetWindows sets the number of client windows currently tracked by the limiter.
	SetWindows(limiter string, amount int)

	// AddEvictions increments the total number of evicted client windows.
	AddEvictions(limiter string, n int)

	// IncConfigRefreshFailures increments the total number of failed configuration refreshes.
	IncConfigRefreshFailures(limiter string)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	// The go_admission_version label is always added.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for named limiters.
type PrometheusMetrics struct {
	AdmittedTotal              *prometheus.CounterVec
	RejectedTotal              *prometheus.CounterVec
	WindowsAmount              *prometheus.GaugeVec
	EvictionsTotal             *prometheus.CounterVec
	ConfigRefreshFailuresTotal *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	labels := []string{limiterLabel}
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)
	return &PrometheusMetrics{
		AdmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_admitted_requests_total",
			Help:        "Number of requests admitted by the rate limiter.",
			ConstLabels: constLabels,
		}, labels),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_rejected_requests_total",
			Help:        "Number of requests rejected by the rate limiter.",
			ConstLabels: constLabels,
		}, labels),
		WindowsAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_windows_amount",
			Help:        "Number of client windows currently tracked by the rate limiter.",
			ConstLabels: constLabels,
		}, labels),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_windows_evictions_total",
			Help:        "Number of client windows evicted from the rate limiter.",
			ConstLabels: constLabels,
		}, labels),
		ConfigRefreshFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_config_refresh_failures_total",
			Help:        "Number of failed attempts to refresh rate limiter configuration.",
			ConstLabels: constLabels,
		}, labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.AdmittedTotal,
		pm.RejectedTotal,
		pm.WindowsAmount,
		pm.EvictionsTotal,
		pm.ConfigRefreshFailuresTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.AdmittedTotal)
	prometheus.Unregister(pm.RejectedTotal)
	prometheus.Unregister(pm.WindowsAmount)
	prometheus.Unregister(pm.EvictionsTotal)
	prometheus.Unregister(pm.ConfigRefreshFailuresTotal)
}

// IncAdmitted increments the total number of admitted requests.
func (pm *PrometheusMetrics) IncAdmitted(limiter string) {
	pm.AdmittedTotal.WithLabelValues(limiter).Inc()
}

// IncRejected increments the total number of rejected requests.
func (pm *PrometheusMetrics) IncRejected(limiter string) {
	pm.RejectedTotal.WithLabelValues(limiter).Inc()
}

// SetWindows sets the number of client windows currently tracked by the limiter.
func (pm *PrometheusMetrics) SetWindows(limiter string, amount int) {
	pm.WindowsAmount.WithLabelValues(limiter).Set(float64(amount))
}

// AddEvictions increments the total number of evicted client windows.
func (pm *PrometheusMetrics) AddEvictions(limiter string, n int) {
	pm.EvictionsTotal.WithLabelValues(limiter).Add(float64(n))
}

// IncConfigRefreshFailures increments the total number of failed configuration refreshes.
func (pm *PrometheusMetrics) IncConfigRefreshFailures(limiter string) {
	pm.ConfigRefreshFailuresTotal.WithLabelValues(limiter).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncAdmitted(string)              {}
func (disabledMetrics) IncRejected(string)              {}
func (disabledMetrics) SetWindows(string, int)          {}
func (disabledMetrics) AddEvictions(string, int)        {}
func (disabledMetrics) IncConfigRefreshFailures(string) {}
