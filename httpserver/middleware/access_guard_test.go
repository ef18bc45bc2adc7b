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

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/log/logtest"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/testutil"
)

func TestAccessGuard(t *testing.T) {
	const errDomain = "Admission"

	tests := []struct {
		name       string
		opts       AccessGuardOpts
		remoteAddr string
		header     http.Header
		wantStatus int
		wantCode   string
	}{
		{
			name:       "loopback peer without token",
			opts:       AccessGuardOpts{AllowedNetworks: []string{"127.0.0.0/8", "::1"}},
			remoteAddr: "127.0.0.1:40000",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "ipv6 loopback peer",
			opts:       AccessGuardOpts{AllowedNetworks: []string{"127.0.0.0/8", "::1"}},
			remoteAddr: "[::1]:40000",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "peer outside allowed networks",
			opts:       AccessGuardOpts{AllowedNetworks: []string{"127.0.0.0/8"}},
			remoteAddr: "203.0.113.7:40000",
			wantStatus: http.StatusForbidden,
			wantCode:   restapi.ErrCodeForbidden,
		},
		{
			name:       "forwarded header doesn't grant access",
			opts:       AccessGuardOpts{AllowedNetworks: []string{"127.0.0.0/8"}},
			remoteAddr: "203.0.113.7:40000",
			header:     http.Header{"X-Forwarded-For": {"127.0.0.1"}, "X-Real-Ip": {"127.0.0.1"}},
			wantStatus: http.StatusForbidden,
			wantCode:   restapi.ErrCodeForbidden,
		},
		{
			name:       "missing token",
			opts:       AccessGuardOpts{Token: "s3cr3t"},
			remoteAddr: "203.0.113.7:40000",
			wantStatus: http.StatusUnauthorized,
			wantCode:   restapi.ErrCodeUnauthorized,
		},
		{
			name:       "wrong token",
			opts:       AccessGuardOpts{Token: "s3cr3t"},
			remoteAddr: "203.0.113.7:40000",
			header:     http.Header{"Authorization": {"Bearer s3cr3"}},
			wantStatus: http.StatusUnauthorized,
			wantCode:   restapi.ErrCodeUnauthorized,
		},
		{
			name:       "token in another scheme",
			opts:       AccessGuardOpts{Token: "s3cr3t"},
			remoteAddr: "203.0.113.7:40000",
			header:     http.Header{"Authorization": {"Basic s3cr3t"}},
			wantStatus: http.StatusUnauthorized,
			wantCode:   restapi.ErrCodeUnauthorized,
		},
		{
			name:       "valid token",
			opts:       AccessGuardOpts{Token: "s3cr3t"},
			remoteAddr: "203.0.113.7:40000",
			header:     http.Header{"Authorization": {"Bearer s3cr3t"}},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "valid token from not allowed network",
			opts:       AccessGuardOpts{AllowedNetworks: []string{"10.0.0.0/8"}, Token: "s3cr3t"},
			remoteAddr: "203.0.113.7:40000",
			header:     http.Header{"Authorization": {"Bearer s3cr3t"}},
			wantStatus: http.StatusForbidden,
			wantCode:   restapi.ErrCodeForbidden,
		},
		{
			name:       "allowed network without token",
			opts:       AccessGuardOpts{AllowedNetworks: []string{"10.0.0.0/8"}, Token: "s3cr3t"},
			remoteAddr: "10.1.2.3:40000",
			wantStatus: http.StatusUnauthorized,
			wantCode:   restapi.ErrCodeUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard, err := AccessGuard(errDomain, tt.opts)
			require.NoError(t, err)

			var served int
			next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				served++
				rw.WriteHeader(http.StatusNoContent)
			})
			logRecorder := logtest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/admin/settings/rate_limit_login_max", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.header {
				req.Header[k] = v
			}
			req = req.WithContext(NewContextWithLogger(req.Context(), logRecorder))
			resp := httptest.NewRecorder()
			guard(next).ServeHTTP(resp, req)

			if tt.wantCode == "" {
				require.Equal(t, tt.wantStatus, resp.Code)
				require.Equal(t, 1, served)
				return
			}
			testutil.RequireErrorInRecorder(t, resp, tt.wantStatus, errDomain, tt.wantCode)
			require.Equal(t, 0, served)
			if tt.wantStatus == http.StatusUnauthorized {
				require.Equal(t, `Bearer realm="admin"`, resp.Header().Get("WWW-Authenticate"))
			}
			entry, found := logRecorder.FindEntry("access denied")
			require.True(t, found)
			require.Equal(t, log.LevelWarn, entry.Level)
		})
	}
}

func TestAccessGuard_InvalidNetwork(t *testing.T) {
	_, err := AccessGuard("Admission", AccessGuardOpts{AllowedNetworks: []string{"10.0.0.0/33"}})
	require.ErrorContains(t, err, `invalid allowed network "10.0.0.0/33"`)
}
