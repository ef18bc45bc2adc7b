/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"time"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
)

// LoggingRoundTripper implements http.RoundTripper for logging requests.
type LoggingRoundTripper struct {
	Delegate http.RoundTripper
	Logger   log.FieldLogger
}

// NewLoggingRoundTripper creates an HTTP transport that logs every request.
func NewLoggingRoundTripper(delegate http.RoundTripper, logger log.FieldLogger) *LoggingRoundTripper {
	return &LoggingRoundTripper{Delegate: delegate, Logger: logger}
}

// RoundTrip sends the request and logs its outcome.
// Failed requests (transport errors and 4xx/5xx status codes) are logged with the warn level.
func (rt *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := time.Since(start)

	fields := []log.Field{
		log.String("method", r.Method),
		log.String("uri", r.URL.String()),
		log.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if requestID := r.Header.Get(headerRequestID); requestID != "" {
		fields = append(fields, log.String("request_id", requestID))
	}
	if err != nil {
		rt.Logger.Warn("client HTTP request failed", append(fields, log.Error(err))...)
		return resp, err
	}
	fields = append(fields, log.Int("status", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		rt.Logger.Warn("client HTTP request finished with error status", fields...)
	} else {
		rt.Logger.Debug("client HTTP request finished", fields...)
	}

	if loggingParams := middleware.GetLoggingParamsFromContext(r.Context()); loggingParams != nil {
		loggingParams.ExtendFields(log.Int64("client_request_ms", elapsed.Milliseconds()))
	}
	return resp, err
}
