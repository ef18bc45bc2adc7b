/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/log/logtest"
	"github.com/acronis/go-admission/retry"
)

type recordedRequest struct {
	method      string
	body        string
	retryNumber string
	requestID   string
	userAgent   string
	auth        string
}

type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

// newTestServer starts a server that responds with the given status codes in turn (the last one is repeated).
func newTestServer(t *testing.T, statuses []int, header http.Header) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			method:      r.Method,
			body:        string(body),
			retryNumber: r.Header.Get(RetryAttemptNumberHeader),
			requestID:   r.Header.Get("X-Request-ID"),
			userAgent:   r.Header.Get("User-Agent"),
			auth:        r.Header.Get("Authorization"),
		})
		idx := len(ts.requests) - 1
		ts.mu.Unlock()
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		for k, v := range header {
			rw.Header()[k] = v
		}
		rw.WriteHeader(statuses[idx])
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

var fastPolicy = retry.ConstantBackoffPolicy{Interval: time.Millisecond}

func doRequest(t *testing.T, client *http.Client, req *http.Request) int {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp.StatusCode
}

func TestClient_RetriesIdempotentRequests(t *testing.T) {
	server := newTestServer(t, []int{http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusOK}, nil)
	logRecorder := logtest.NewRecorder()
	client, err := New(Opts{UserAgent: "admissiond/test", Logger: logRecorder, BackoffPolicy: fastPolicy})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, server.URL+"/admin/settings/k", strings.NewReader(`{"value":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doRequest(t, client, req))

	requests := server.recorded()
	require.Len(t, requests, 3)
	for i, r := range requests {
		require.Equal(t, `{"value":1}`, r.body, "body should be replayed on every attempt")
		require.Equal(t, "admissiond/test", r.userAgent)
		require.NotEmpty(t, r.requestID)
		require.Equal(t, requests[0].requestID, r.requestID, "all attempts should share the request ID")
		if i == 0 {
			require.Empty(t, r.retryNumber)
		} else {
			require.Equal(t, strconv.Itoa(i), r.retryNumber)
		}
	}

	entries := logRecorder.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
		return e.Text == "client HTTP request finished with error status"
	})
	require.Len(t, entries, 2)
	require.Equal(t, log.LevelWarn, entries[0].Level)
	_, found := logRecorder.FindEntry("request failed, it will be retried")
	require.True(t, found)
}

func TestClient_DoesNotRetryPost(t *testing.T) {
	server := newTestServer(t, []int{http.StatusServiceUnavailable, http.StatusOK}, nil)
	client := Must(Opts{BackoffPolicy: fastPolicy})

	req, err := http.NewRequest(http.MethodPost, server.URL+"/login", strings.NewReader("user=admin"))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, doRequest(t, client, req))
	require.Len(t, server.recorded(), 1)
}

func TestClient_MaxRetryAttempts(t *testing.T) {
	server := newTestServer(t, []int{http.StatusInternalServerError}, nil)

	client := Must(Opts{MaxRetryAttempts: 2, BackoffPolicy: fastPolicy})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, doRequest(t, client, req))
	require.Len(t, server.recorded(), 3)

	// Negative value disables retries.
	client = Must(Opts{MaxRetryAttempts: -1, BackoffPolicy: fastPolicy})
	req, err = http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, doRequest(t, client, req))
	require.Len(t, server.recorded(), 4)
}

func TestClient_RetryAfter(t *testing.T) {
	t.Run("too long Retry-After stops retries", func(t *testing.T) {
		server := newTestServer(t, []int{http.StatusTooManyRequests, http.StatusOK}, http.Header{"Retry-After": {"300"}})
		client := Must(Opts{BackoffPolicy: fastPolicy})
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusTooManyRequests, doRequest(t, client, req))
		require.Len(t, server.recorded(), 1)
	})

	t.Run("Retry-After is respected", func(t *testing.T) {
		server := newTestServer(t, []int{http.StatusTooManyRequests, http.StatusOK}, http.Header{"Retry-After": {"1"}})
		client := Must(Opts{BackoffPolicy: retry.ConstantBackoffPolicy{Interval: time.Hour}})
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		start := time.Now()
		require.Equal(t, http.StatusOK, doRequest(t, client, req))
		require.GreaterOrEqual(t, time.Since(start), time.Second)
		require.Len(t, server.recorded(), 2)
	})
}

func TestClient_ContextCancellationStopsRetries(t *testing.T) {
	server := newTestServer(t, []int{http.StatusServiceUnavailable}, nil)
	client := Must(Opts{BackoffPolicy: retry.ConstantBackoffPolicy{Interval: time.Hour}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, doRequest(t, client, req))
	require.Len(t, server.recorded(), 1)
}

func TestClient_RequestIDFromContext(t *testing.T) {
	server := newTestServer(t, []int{http.StatusOK}, nil)
	client := Must(Opts{})

	ctx := middleware.NewContextWithRequestID(context.Background(), "req-1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom")
	require.Equal(t, http.StatusOK, doRequest(t, client, req))

	requests := server.recorded()
	require.Len(t, requests, 1)
	require.Equal(t, "req-1", requests[0].requestID)
	require.Equal(t, "custom", requests[0].userAgent)
}

func TestClient_AuthBearer(t *testing.T) {
	server := newTestServer(t, []int{http.StatusServiceUnavailable, http.StatusOK}, nil)
	client := Must(Opts{AuthProvider: StaticToken("s3cr3t"), BackoffPolicy: fastPolicy})

	req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/limits", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doRequest(t, client, req))
	requests := server.recorded()
	require.Len(t, requests, 2)
	for _, r := range requests {
		require.Equal(t, "Bearer s3cr3t", r.auth)
	}

	req, err = http.NewRequest(http.MethodGet, server.URL+"/admin/limits", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer explicit")
	require.Equal(t, http.StatusOK, doRequest(t, client, req))
	require.Equal(t, "Bearer explicit", server.recorded()[2].auth)
}

func TestClient_AuthBearerEmptyToken(t *testing.T) {
	server := newTestServer(t, []int{http.StatusOK}, nil)
	client := Must(Opts{AuthProvider: StaticToken("")})

	req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/limits", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	var authErr *AuthBearerRoundTripperError
	require.ErrorAs(t, err, &authErr)
	require.EqualError(t, authErr, "auth bearer round trip: token is empty")
	require.Empty(t, server.recorded())
}

func TestNewRetryableRoundTripperWithOpts_InvalidOpts(t *testing.T) {
	_, err := NewRetryableRoundTripperWithOpts(http.DefaultTransport, RetryableRoundTripperOpts{MaxRetryAttempts: -1})
	require.EqualError(t, err, "max retry attempts cannot be negative, got -1")
}

func TestParseRetryAfterFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		want     time.Duration
		wantOK   bool
		wantSome bool
	}{
		{name: "empty", value: ""},
		{name: "seconds", value: "60", want: time.Minute, wantOK: true},
		{name: "zero", value: "0", wantOK: true},
		{name: "negative", value: "-1"},
		{name: "garbage", value: "soon"},
		{name: "date in the past", value: "Mon, 02 Jan 2006 15:04:05 GMT", wantOK: true},
		{name: "date in the future", value: time.Now().Add(time.Hour).UTC().Format(http.TimeFormat), wantOK: true, wantSome: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.value != "" {
				resp.Header.Set("Retry-After", tt.value)
			}
			got, ok := parseRetryAfterFromResponse(resp)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantSome {
				require.Greater(t, got, 59*time.Minute)
				return
			}
			require.Equal(t, tt.want, got)
		})
	}
}
