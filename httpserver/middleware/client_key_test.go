/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClientKeyFunc(t *testing.T) {
	tests := []struct {
		name           string
		trustedProxies []string
		remoteAddr     string
		headers        map[string]string
		wantKey        string
	}{
		{
			name:       "remote address host is used by default",
			remoteAddr: "203.0.113.7:51234",
			wantKey:    "203.0.113.7",
		},
		{
			name:       "headers are ignored without trusted proxies",
			remoteAddr: "203.0.113.7:51234",
			headers:    map[string]string{headerForwardedFor: "198.51.100.1", headerRealIP: "198.51.100.2"},
			wantKey:    "203.0.113.7",
		},
		{
			name:           "headers are ignored when peer is not trusted",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "203.0.113.7:51234",
			headers:        map[string]string{headerForwardedFor: "198.51.100.1"},
			wantKey:        "203.0.113.7",
		},
		{
			name:           "right-most untrusted forwarded address is used",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.0.0.5:8080",
			headers:        map[string]string{headerForwardedFor: "1.1.1.1, 198.51.100.1, 10.0.0.9"},
			wantKey:        "198.51.100.1",
		},
		{
			name:           "single trusted IP",
			trustedProxies: []string{"127.0.0.1"},
			remoteAddr:     "127.0.0.1:8080",
			headers:        map[string]string{headerForwardedFor: "198.51.100.1"},
			wantKey:        "198.51.100.1",
		},
		{
			name:           "X-Real-IP is used when X-Forwarded-For is missing",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.0.0.5:8080",
			headers:        map[string]string{headerRealIP: "198.51.100.2"},
			wantKey:        "198.51.100.2",
		},
		{
			name:           "peer is used when all forwarded addresses are trusted and there is no X-Real-IP",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.0.0.5:8080",
			headers:        map[string]string{headerForwardedFor: "10.0.0.6"},
			wantKey:        "10.0.0.5",
		},
		{
			name:       "remote address without port",
			remoteAddr: "unix-socket-peer",
			wantKey:    "unix-socket-peer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getKey, err := NewClientKeyFunc(tt.trustedProxies)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			key, bypass, err := getKey(req)
			require.NoError(t, err)
			require.False(t, bypass)
			require.Equal(t, tt.wantKey, key)
		})
	}
}

func TestNewClientKeyFunc_InvalidTrustedProxy(t *testing.T) {
	_, err := NewClientKeyFunc([]string{"10.0.0.0/33"})
	require.ErrorContains(t, err, `invalid trusted proxy "10.0.0.0/33"`)

	_, err = NewClientKeyFunc([]string{"not-an-ip"})
	require.EqualError(t, err, `invalid trusted proxy "not-an-ip"`)

	require.Panics(t, func() { MustNewClientKeyFunc([]string{"not-an-ip"}) })
}
