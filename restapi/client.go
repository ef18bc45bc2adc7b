/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/acronis/go-admission/log"
)

const (
	logKeyMethod = "method"
	logKeyURI    = "uri"
	logKeyStatus = "status"
)

// Non-JSON error bodies are cut to this size in ClientError.
const maxUnexpectedBodySize = 255

// DoRequest does the HTTP request and logs its details.
func DoRequest(client *http.Client, req *http.Request, logger log.FieldLogger) (*http.Response, error) {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	logger.AtLevel(log.LevelDebug, func(logFn log.LogFunc) {
		logFn("sent request", log.String(logKeyMethod, req.Method), log.String(logKeyURI, req.URL.String()))
	})

	resp, err := client.Do(req)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to do http request %s %s", req.Method, req.URL.String()),
			log.String(logKeyMethod, req.Method), log.String(logKeyURI, req.URL.String()), log.Error(err))
		return nil, fmt.Errorf("do request: %w", err)
	}

	logger.AtLevel(log.LevelDebug, func(logFn log.LogFunc) {
		logFn("got response", log.String(logKeyMethod, req.Method), log.String(logKeyURI, req.URL.String()),
			log.Int(logKeyStatus, resp.StatusCode))
	})
	return resp, nil
}

// DoRequestAndUnmarshalJSON does the HTTP request and unmarshals the JSON response body into result.
// Result may be nil if the body is not needed.
// Error status codes are returned as *ClientError, its Err is *ErrorResponseData.
func DoRequestAndUnmarshalJSON(client *http.Client, req *http.Request, result interface{}, logger log.FieldLogger) error {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	resp, err := DoRequest(client, req, logger)
	if err != nil {
		return err // Already logged.
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("failed to close response body after doing http request",
				log.String(logKeyMethod, req.Method), log.String(logKeyURI, req.URL.String()), log.Error(closeErr))
		}
	}()

	logger = logger.With(
		log.String(logKeyMethod, req.Method),
		log.String(logKeyURI, req.URL.String()),
		log.Int(logKeyStatus, resp.StatusCode),
	)
	clientErr := &ClientError{Method: req.Method, URL: req.URL, StatusCode: resp.StatusCode}

	switch {
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < 600:
		buf, err := readResponseBody(resp, logger, clientErr)
		if err != nil {
			return err
		}
		return clientErr.wrap("error response", parseErrorResponse(resp, buf, logger))

	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		if result == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		buf, err := readResponseBody(resp, logger, clientErr)
		if err != nil {
			return err
		}
		if err = json.Unmarshal(buf, result); err != nil {
			logger.Error("error unmarshaling response", log.Error(err))
			return clientErr.wrap("unmarshaling response", err)
		}
		return nil

	default:
		clientErr.Message = "unexpected status code"
		return clientErr
	}
}

// parseErrorResponse never fails, bodies that are not the JSON error envelope are described by a synthetic Error.
func parseErrorResponse(resp *http.Response, buf []byte, logger log.FieldLogger) *ErrorResponseData {
	var respData ErrorResponseData
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, ContentTypeAppJSON) {
		if err := json.Unmarshal(buf, &respData); err != nil {
			logger.Warn("error unmarshaling error response", log.Error(err))
		}
		if respData.Err != nil {
			return &respData
		}
	}
	body := string(buf)
	if len(body) > maxUnexpectedBodySize {
		body = body[:maxUnexpectedBodySize]
	}
	respData.Err = NewError("", httpCode2ErrorCode(resp.StatusCode),
		fmt.Sprintf("%s received with unexpected body", http.StatusText(resp.StatusCode))).
		AddContext("contentType", contentType).
		AddContext("body", body)
	return &respData
}

func readResponseBody(resp *http.Response, logger log.FieldLogger, clientErr *ClientError) ([]byte, error) {
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("error reading response body", log.Error(err))
		return nil, clientErr.wrap("reading response body", err)
	}
	if len(buf) == 0 {
		logger.Warn("empty response body")
		clientErr.Message = "empty response"
		return nil, clientErr
	}
	return buf, nil
}

// NewJSONRequest creates a new request with the JSON-encoded data as a body.
func NewJSONRequest(ctx context.Context, method, url string, data interface{}) (*http.Request, error) {
	if data == nil {
		return nil, fmt.Errorf("data cannot be nil")
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("method %s is not allowed for json request", method)
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeAppJSON)
	return req, nil
}
