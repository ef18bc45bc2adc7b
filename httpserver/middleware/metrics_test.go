/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/testutil"
)

func TestHTTPRequestMetricsHandler_ServeHTTP(t *testing.T) {
	getRoutePattern := func(r *http.Request) string {
		return r.URL.Path
	}

	t.Run("observe durations per status code", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		statusCode := http.StatusOK
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			testutil.AssertGaugeValue(t, collector.InFlight.WithLabelValues(r.Method, "/public"), 1)
			rw.WriteHeader(statusCode)
		})
		handler := HTTPRequestMetrics(collector, getRoutePattern)(next)

		for i := 0; i < 3; i++ {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/public", nil))
		}
		statusCode = http.StatusTooManyRequests
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/public", nil))

		require.Equal(t, 2, promtestutil.CollectAndCount(collector.Durations))
		requireHistogramSampleCount(t, collector, http.MethodGet, "/public", "200", 3)
		requireHistogramSampleCount(t, collector, http.MethodGet, "/public", "429", 1)
		testutil.AssertGaugeValue(t, collector.InFlight.WithLabelValues(http.MethodGet, "/public"), 0)
	})

	t.Run("excluded endpoints", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		next := http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) { rw.WriteHeader(http.StatusOK) })
		handler := HTTPRequestMetricsWithOpts(collector, getRoutePattern, HTTPRequestMetricsOpts{
			ExcludedEndpoints: []string{"/healthz"},
		})(next)

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, 0, promtestutil.CollectAndCount(collector.Durations))
	})

	t.Run("panic is observed as internal error", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
		handler := HTTPRequestMetrics(collector, getRoutePattern)(next)

		require.Panics(t, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/login", nil))
		})
		requireHistogramSampleCount(t, collector, http.MethodPost, "/login", "500", 1)
	})

	t.Run("nil route pattern getter", func(t *testing.T) {
		require.Panics(t, func() { HTTPRequestMetrics(NewHTTPRequestMetricsCollector(), nil) })
	})
}

func requireHistogramSampleCount(
	t *testing.T, collector *HTTPRequestMetricsCollector, method, routePattern, status string, want uint64,
) {
	t.Helper()
	families, err := collectFamilies(collector)
	require.NoError(t, err)
	for _, m := range families {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels[httpRequestMetricsLabelMethod] == method &&
			labels[httpRequestMetricsLabelRoutePattern] == routePattern &&
			labels[httpRequestMetricsLabelStatusCode] == status {
			require.Equal(t, want, m.GetHistogram().GetSampleCount())
			return
		}
	}
	require.Failf(t, "histogram not found", "method=%s route=%s status=%s", method, routePattern, status)
}

func collectFamilies(collector *HTTPRequestMetricsCollector) ([]*dto.Metric, error) {
	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(collector.Durations); err != nil {
		return nil, err
	}
	families, err := registry.Gather()
	if err != nil {
		return nil, err
	}
	for _, f := range families {
		if f.GetName() == "http_request_duration_seconds" {
			return f.GetMetric(), nil
		}
	}
	return nil, nil
}
