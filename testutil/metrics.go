/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// AssertGaugeValue asserts that the gauge (e.g. the in-flight gauge of one route) has the wanted value.
func AssertGaugeValue(t assert.TestingT, gauge prometheus.Gauge, want int) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	return assert.Equal(t, want, int(promtestutil.ToFloat64(gauge)))
}
