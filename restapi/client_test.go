/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/log/logtest"
)

type testSetting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func mustMarshalJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestNewJSONRequest(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		data    interface{}
		wantErr string
	}{
		{name: "nil data", method: http.MethodPut, wantErr: "data cannot be nil"},
		{name: "method not allowed", method: http.MethodDelete, data: testSetting{Key: "k"},
			wantErr: "method DELETE is not allowed for json request"},
		{name: "put", method: http.MethodPut, data: testSetting{Key: "rate_limit_login_max", Value: "5"}},
		{name: "post", method: http.MethodPost, data: map[string]int{"value": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewJSONRequest(context.Background(), tt.method, "http://localhost/admin/settings/k", tt.data)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.method, req.Method)
			require.Equal(t, ContentTypeAppJSON, req.Header.Get("Content-Type"))
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			require.JSONEq(t, mustMarshalJSON(t, tt.data), string(body))
		})
	}
}

func TestDoRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	logger := logtest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/limits", http.NoBody)
	require.NoError(t, err)
	resp, err := DoRequest(server.Client(), req, logger)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	entry, found := logger.FindEntry("got response")
	require.True(t, found)
	require.Equal(t, log.LevelDebug, entry.Level)

	server.Close()
	_, err = DoRequest(server.Client(), req, logger)
	require.ErrorContains(t, err, "do request: ")
	require.NotEmpty(t, logger.Entries())
}

func TestDoRequestAndUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		result      interface{}
		wantResult  interface{}
		wantMessage string
		wantAPIErr  *Error
	}{
		{
			name:        "ok",
			status:      http.StatusOK,
			contentType: ContentTypeAppJSON,
			body:        `{"key": "rate_limit_login_max", "value": "5"}`,
			result:      &testSetting{},
			wantResult:  &testSetting{Key: "rate_limit_login_max", Value: "5"},
		},
		{
			name:   "ok without result",
			status: http.StatusNoContent,
		},
		{
			name:        "malformed body",
			status:      http.StatusOK,
			contentType: ContentTypeAppJSON,
			body:        `{"key": `,
			result:      &testSetting{},
			wantMessage: "unmarshaling response",
		},
		{
			name:        "empty body",
			status:      http.StatusOK,
			contentType: ContentTypeAppJSON,
			result:      &testSetting{},
			wantMessage: "empty response",
		},
		{
			name:        "error envelope",
			status:      http.StatusNotFound,
			contentType: ContentTypeAppJSON,
			body:        `{"error": {"domain": "Admission", "code": "settingNotFound", "message": "Setting not found."}}`,
			wantMessage: "error response",
			wantAPIErr:  &Error{Domain: testDomain, Code: "settingNotFound", Message: "Setting not found."},
		},
		{
			name:        "error with plain text body",
			status:      http.StatusBadGateway,
			contentType: "text/plain",
			body:        strings.Repeat("x", maxUnexpectedBodySize+10),
			wantMessage: "error response",
			wantAPIErr: NewError("", "badGateway", "Bad Gateway received with unexpected body").
				AddContext("contentType", "text/plain").
				AddContext("body", strings.Repeat("x", maxUnexpectedBodySize)),
		},
		{
			name:        "error with empty body",
			status:      http.StatusInternalServerError,
			contentType: ContentTypeAppJSON,
			wantMessage: "empty response",
		},
		{
			name:        "unexpected status code",
			status:      http.StatusNotModified,
			wantMessage: "unexpected status code",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				if tt.contentType != "" {
					rw.Header().Set("Content-Type", tt.contentType)
				}
				rw.WriteHeader(tt.status)
				_, _ = rw.Write([]byte(tt.body))
			}))
			defer server.Close()

			req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/settings/rate_limit_login_max", http.NoBody)
			require.NoError(t, err)
			err = DoRequestAndUnmarshalJSON(server.Client(), req, tt.result, logtest.NewRecorder())
			if tt.wantMessage == "" {
				require.NoError(t, err)
				require.Equal(t, tt.wantResult, tt.result)
				return
			}

			var clientErr *ClientError
			require.True(t, errors.As(err, &clientErr), "error should be *ClientError, got %T", err)
			require.Equal(t, tt.wantMessage, clientErr.Message)
			require.Equal(t, tt.status, clientErr.StatusCode)
			require.Equal(t, http.MethodGet, clientErr.Method)
			require.Equal(t, tt.wantAPIErr, clientErr.APIError())
			if tt.wantAPIErr != nil {
				var respData *ErrorResponseData
				require.ErrorAs(t, err, &respData)
				require.Contains(t, err.Error(), tt.wantAPIErr.Message)
			}
		})
	}
}

func TestDoRequestAndUnmarshalJSON_NilLogger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", ContentTypeAppJSON)
		_, _ = rw.Write([]byte(`[{"key": "rate_limit_public_max", "value": "100"}]`))
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/settings", http.NoBody)
	require.NoError(t, err)
	var list []testSetting
	require.NoError(t, DoRequestAndUnmarshalJSON(server.Client(), req, &list, nil))
	require.Equal(t, []testSetting{{Key: "rate_limit_public_max", Value: "100"}}, list)
}
