/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
)

func TestRequestIDHandler_ServeHTTP(t *testing.T) {
	const genExtReqID = "generated-external-request-id"
	const genIntReqID = "generated-internal-request-id"

	reqIDOpts := RequestIDOpts{
		GenerateID:         func() string { return genExtReqID },
		GenerateInternalID: func() string { return genIntReqID },
	}

	tests := []struct {
		name        string
		opts        *RequestIDOpts
		headerReqID string
		wantReqID   string
	}{
		{name: "incoming request id is kept", opts: &reqIDOpts, headerReqID: "header-request-id", wantReqID: "header-request-id"},
		{name: "missing request id is generated", opts: &reqIDOpts, wantReqID: genExtReqID},
		{name: "too long request id is replaced", opts: &reqIDOpts, headerReqID: strings.Repeat("a", MaxRequestIDLength+1), wantReqID: genExtReqID},
		{name: "xid is used by default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxReqID, ctxIntReqID string
			next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				ctxReqID = GetRequestIDFromContext(r.Context())
				ctxIntReqID = GetInternalRequestIDFromContext(r.Context())
			})
			mw := RequestID()
			if tt.opts != nil {
				mw = RequestIDWithOpts(*tt.opts)
			}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.headerReqID != "" {
				req.Header.Set(headerRequestID, tt.headerReqID)
			}
			resp := httptest.NewRecorder()
			mw(next).ServeHTTP(resp, req)

			require.Equal(t, ctxReqID, resp.Header().Get(headerRequestID))
			require.Equal(t, ctxIntReqID, resp.Header().Get(headerInternalRequestID))
			if tt.opts == nil {
				_, err := xid.FromString(ctxReqID)
				require.NoError(t, err)
				_, err = xid.FromString(ctxIntReqID)
				require.NoError(t, err)
				return
			}
			require.Equal(t, tt.wantReqID, ctxReqID)
			require.Equal(t, genIntReqID, ctxIntReqID)
		})
	}
}
