/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type mockT struct {
	failed bool
}

func (t *mockT) FailNow() {
	t.failed = true
}

func (t *mockT) Errorf(string, ...interface{}) {
	t.failed = true
}

func newRejectedRecorder(retryAfter string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	resp.Header().Set("Content-Type", contentTypeAppJSON)
	resp.Header().Set("Retry-After", retryAfter)
	resp.WriteHeader(http.StatusTooManyRequests)
	_, _ = resp.WriteString(`{"error":{"domain":"Admission","code":"tooManyRequests"}}`)
	return resp
}

func TestRequireErrorInRecorder(t *testing.T) {
	RequireErrorInRecorder(t, newRejectedRecorder("60"), http.StatusTooManyRequests, "Admission", "tooManyRequests")

	m := &mockT{}
	resp := httptest.NewRecorder()
	resp.WriteHeader(http.StatusOK)
	RequireErrorInRecorder(m, resp, http.StatusTooManyRequests, "Admission", "tooManyRequests")
	require.True(t, m.failed)
}

func TestRequireRejectedInRecorder(t *testing.T) {
	RequireRejectedInRecorder(t, newRejectedRecorder("40"), "Admission", "40")

	m := &mockT{}
	RequireRejectedInRecorder(m, newRejectedRecorder("40"), "Admission", "60")
	require.True(t, m.failed)
}

func TestRequireNoErrorInChannel(t *testing.T) {
	errs := make(chan error, 1)
	RequireNoErrorInChannel(t, errs)

	errs <- nil
	RequireNoErrorInChannel(t, errs)

	m := &mockT{}
	errs <- errors.New("listen tcp: address already in use")
	RequireNoErrorInChannel(m, errs)
	require.True(t, m.failed)
}

func TestAssertGaugeValue(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tracked_clients"})
	gauge.Set(42)
	require.True(t, AssertGaugeValue(t, gauge, 42))
	require.False(t, AssertGaugeValue(&mockT{}, gauge, 1))
}

func TestWaitListeningServer(t *testing.T) {
	ln, err := net.Listen("tcp", GetLocalAddrWithFreeTCPPort())
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	require.NoError(t, WaitListeningServer(ln.Addr().String(), time.Second))

	port, err := WaitPortAndListeningServer("127.0.0.1", func() int { return ln.Addr().(*net.TCPAddr).Port }, time.Second)
	require.NoError(t, err)
	require.Equal(t, ln.Addr().(*net.TCPAddr).Port, port)

	_, err = WaitPortAndListeningServer("127.0.0.1", func() int { return 0 }, 50*time.Millisecond)
	require.Error(t, err)
}
