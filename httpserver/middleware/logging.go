/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/go-admission/log"
)

// LoggingSecretQueryPlaceholder replaces values of secret query parameters in the logged URI.
const LoggingSecretQueryPlaceholder = "_HIDDEN_"

// LoggingOpts represents options for the Logging middleware.
type LoggingOpts struct {
	// RequestStart enables an additional "request started" message.
	RequestStart bool

	// RequestHeaders lists headers whose values are logged.
	// X-Tenant-ID is logged as the "req_header_x_tenant_id" field.
	RequestHeaders []string

	// ExcludedEndpoints are not logged unless the response status is 4xx or 5xx.
	ExcludedEndpoints []string

	SecretQueryParams []string

	// AddRequestInfoToLogger makes the logger in the request context carry the request fields too.
	AddRequestInfoToLogger bool
}

type loggingHandler struct {
	next         http.Handler
	logger       log.FieldLogger
	requestStart bool
	addReqInfo   bool
	headerFields map[string]string
	excluded     map[string]struct{}
	secretParams []string
}

// Logging is a middleware that logs every served request with its status and duration.
// The logger with request ids is put into the request context.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return LoggingWithOpts(logger, LoggingOpts{})
}

// LoggingWithOpts is a more configurable version of Logging middleware.
func LoggingWithOpts(logger log.FieldLogger, opts LoggingOpts) func(next http.Handler) http.Handler {
	headerFields := make(map[string]string, len(opts.RequestHeaders))
	for _, name := range opts.RequestHeaders {
		headerFields[name] = "req_header_" + strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	}
	excluded := make(map[string]struct{}, len(opts.ExcludedEndpoints))
	for _, path := range opts.ExcludedEndpoints {
		excluded[path] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return &loggingHandler{
			next:         next,
			logger:       logger,
			requestStart: opts.RequestStart,
			addReqInfo:   opts.AddRequestInfoToLogger,
			headerFields: headerFields,
			excluded:     excluded,
			secretParams: opts.SecretQueryParams,
		}
	}
}

func (h *loggingHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := GetRequestStartTimeFromContext(ctx)
	if startTime.IsZero() {
		startTime = time.Now()
		ctx = NewContextWithRequestStartTime(ctx, startTime)
	}

	ctxLogger := h.logger.With(
		log.String("request_id", GetRequestIDFromContext(ctx)),
		log.String("int_request_id", GetInternalRequestIDFromContext(ctx)),
	)
	reqLogger := ctxLogger.With(h.requestFields(r)...)
	if h.addReqInfo {
		ctxLogger = reqLogger
	}

	_, quiet := h.excluded[r.URL.Path]
	if h.requestStart && !quiet {
		reqLogger.Info("request started")
	}

	lp := &LoggingParams{}
	r = r.WithContext(NewContextWithLoggingParams(NewContextWithLogger(ctx, ctxLogger), lp))
	wrw := WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	h.next.ServeHTTP(wrw, r)

	status := wrw.Status()
	if quiet && status < http.StatusBadRequest {
		return
	}
	duration := time.Since(startTime)
	fields := append([]log.Field{
		log.Int64("duration_ms", duration.Milliseconds()),
		log.Int("status", status),
		log.Int("bytes_sent", wrw.BytesWritten()),
	}, lp.getFields()...)
	reqLogger.Info(fmt.Sprintf("response completed in %.3fs", duration.Seconds()), fields...)
}

func (h *loggingHandler) requestFields(r *http.Request) []log.Field {
	fields := make([]log.Field, 0, 8+len(h.headerFields))
	fields = append(fields,
		log.String("method", r.Method),
		log.String("uri", h.uriToLog(r)),
		log.String("remote_addr", r.RemoteAddr),
		log.Int64("content_length", r.ContentLength),
		log.String(userAgentLogFieldKey, r.UserAgent()),
	)
	if host, portStr, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		fields = append(fields, log.String("remote_addr_ip", host))
		if port, pErr := strconv.ParseUint(portStr, 10, 16); pErr == nil {
			fields = append(fields, log.Int("remote_addr_port", int(port)))
		}
	}
	// Informational only, the admission key is derived by ClientKeyFunc with trusted proxies in mind.
	if origin := forwardedOriginAddr(r); origin != "" {
		fields = append(fields, log.String("origin_addr", origin))
	}
	for header, key := range h.headerFields {
		fields = append(fields, log.String(key, r.Header.Get(header)))
	}
	return fields
}

func (h *loggingHandler) uriToLog(r *http.Request) string {
	if len(h.secretParams) == 0 || r.URL.RawQuery == "" {
		return r.RequestURI
	}
	query := r.URL.Query()
	maskQueryValues(query, h.secretParams)
	return r.URL.Path + "?" + query.Encode()
}

func maskQueryValues(query url.Values, keys []string) {
	for _, k := range keys {
		for i, v := range query[k] {
			if v != "" {
				query[k][i] = LoggingSecretQueryPlaceholder
			}
		}
	}
}

func forwardedOriginAddr(r *http.Request) string {
	if xff := r.Header.Get(headerForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(r.Header.Get(headerRealIP))
}
