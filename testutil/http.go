/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const (
	contentTypeAppJSON     = "application/json"
	errCodeTooManyRequests = "tooManyRequests"
)

type errorRespData struct {
	Domain string `json:"domain"`
	Code   string `json:"code"`
}

type wrappedErrorRespData struct {
	Error errorRespData `json:"error"`
}

// RequireErrorInRecorder asserts that passing httptest.ResponseRecorder contains
// the wrapped JSON error ({"error": {"domain": "{domain}", "code": "{code}", ...}}).
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, resp.Code)
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	var errResp wrappedErrorRespData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	require.Equal(t, wantErrDomain, errResp.Error.Domain)
	require.Equal(t, wantErrCode, errResp.Error.Code)
}

// RequireRejectedInRecorder asserts that the request was rejected by an admission limiter:
// 429 status, the wrapped JSON error with the tooManyRequests code and the expected Retry-After seconds.
func RequireRejectedInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantErrDomain, wantRetryAfter string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantRetryAfter, resp.Header().Get("Retry-After"))
	RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, wantErrDomain, errCodeTooManyRequests)
}

// RequireEmptyBodyInRecorder asserts that passing httptest.ResponseRecorder contains empty body.
func RequireEmptyBodyInRecorder(t require.TestingT, resp *httptest.ResponseRecorder) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, bodyBytes)
}

// RequireJSONInRecorder asserts that passing httptest.ResponseRecorder contains the data in json format.
// The body is decoded into dest which is then compared with want.
func RequireJSONInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, want, dest interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	require.Equal(t, want, dest)
}
