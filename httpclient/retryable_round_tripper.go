/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/retry"
)

// Default parameter values for RetryableRoundTripper.
const (
	DefaultMaxRetryAttempts       = 3
	DefaultMaxRetryAfter          = 10 * time.Second
	DefaultBackoffInitialInterval = 500 * time.Millisecond
	DefaultBackoffMaxInterval     = 5 * time.Second
)

// RetryAttemptNumberHeader is an HTTP header name that will contain the serial number of the retry attempt.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// CheckRetryFunc is called right after each attempt and determines if the next retry attempt is needed.
type CheckRetryFunc func(req *http.Request, resp *http.Response, roundTripErr error) bool

// RetryableRoundTripper wraps an object that implements http.RoundTripper interface
// and provides a retrying mechanism for HTTP requests.
type RetryableRoundTripper struct {
	// Delegate is used for sending HTTP requests under the hood.
	Delegate http.RoundTripper

	Logger log.FieldLogger

	// MaxRetryAttempts determines how many maximum retry attempts can be done,
	// so the request may be sent up to MaxRetryAttempts + 1 times.
	MaxRetryAttempts int

	// CheckRetry determines if the next retry attempt is needed.
	CheckRetry CheckRetryFunc

	// MaxRetryAfter is the longest wait time from the Retry-After response header that is respected.
	// If the server asks to wait longer, retries are stopped and the response is returned as is.
	MaxRetryAfter time.Duration

	// BackoffPolicy is used for computing wait time when the response has no Retry-After header.
	BackoffPolicy retry.Policy
}

// RetryableRoundTripperOpts represents an options for RetryableRoundTripper.
type RetryableRoundTripperOpts struct {
	Logger           log.FieldLogger
	MaxRetryAttempts int // DefaultMaxRetryAttempts is used if zero.
	CheckRetry       CheckRetryFunc
	MaxRetryAfter    time.Duration // DefaultMaxRetryAfter is used if zero.
	BackoffPolicy    retry.Policy  // DefaultBackoffPolicy is used if nil.
}

// DefaultBackoffPolicy is used by RetryableRoundTripper when BackoffPolicy is not specified.
var DefaultBackoffPolicy = retry.ExponentialBackoffPolicy{
	InitialInterval: DefaultBackoffInitialInterval,
	MaxInterval:     DefaultBackoffMaxInterval,
}

// NewRetryableRoundTripper returns a new instance of RetryableRoundTripper.
func NewRetryableRoundTripper(delegate http.RoundTripper) (*RetryableRoundTripper, error) {
	return NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{})
}

// NewRetryableRoundTripperWithOpts creates a new instance of RetryableRoundTripper with specified options.
func NewRetryableRoundTripperWithOpts(
	delegate http.RoundTripper, opts RetryableRoundTripperOpts,
) (*RetryableRoundTripper, error) {
	if opts.MaxRetryAttempts < 0 {
		return nil, fmt.Errorf("max retry attempts cannot be negative, got %d", opts.MaxRetryAttempts)
	}
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = DefaultMaxRetryAfter
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.CheckRetry == nil {
		opts.CheckRetry = DefaultCheckRetry
	}
	if opts.BackoffPolicy == nil {
		opts.BackoffPolicy = DefaultBackoffPolicy
	}
	return &RetryableRoundTripper{
		Delegate:         delegate,
		Logger:           opts.Logger,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		CheckRetry:       opts.CheckRetry,
		MaxRetryAfter:    opts.MaxRetryAfter,
		BackoffPolicy:    opts.BackoffPolicy,
	}, nil
}

// RoundTrip performs request with retry logic.
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindReqBody := func(*http.Request) error { return nil }
	if req.Body != nil && req.Body != http.NoBody {
		originalReqBody := req.Body
		defer func() {
			_ = originalReqBody.Close() // Per RoundTripper contract.
		}()
		var err error
		if rewindReqBody, err = makeRequestBodyRewindable(req); err != nil {
			return nil, &RetryableRoundTripperError{Inner: err}
		}
	}

	ctx := req.Context()
	bf := rt.BackoffPolicy.NewBackOff()
	reqCloned := false

	var resp *http.Response
	var roundTripErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if resp != nil && roundTripErr == nil {
				drainResponseBody(resp, rt.Logger)
			}
			if !reqCloned {
				req, reqCloned = req.Clone(ctx), true // Per RoundTripper contract.
			}
			if rewindErr := rewindReqBody(req); rewindErr != nil {
				rt.Logger.Error(fmt.Sprintf("failed to rewind request body, %d request(s) done", attempt),
					log.Error(rewindErr))
				return nil, &RetryableRoundTripperError{Inner: rewindErr}
			}
			req.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(attempt))
		}

		resp, roundTripErr = rt.Delegate.RoundTrip(req)
		if !rt.CheckRetry(req, resp, roundTripErr) {
			return resp, roundTripErr
		}
		if attempt >= rt.MaxRetryAttempts {
			rt.Logger.Warnf("max retry attempts exceeded (%d), %d request(s) done", rt.MaxRetryAttempts, attempt+1)
			return resp, roundTripErr
		}

		waitTime, stop := rt.nextWaitTime(bf, resp)
		if stop {
			return resp, roundTripErr
		}
		rt.Logger.Info("request failed, it will be retried",
			log.String("method", req.Method), log.String("url", req.URL.String()),
			log.Int("attempt", attempt+1), log.Duration("retry_after", waitTime))

		select {
		case <-ctx.Done():
			rt.Logger.Warnf("context canceled (%v) while waiting for the next retry attempt, %d request(s) done",
				ctx.Err(), attempt+1)
			return resp, roundTripErr
		case <-time.After(waitTime):
		}
	}
}

func (rt *RetryableRoundTripper) nextWaitTime(bf backoff.BackOff, resp *http.Response) (waitTime time.Duration, stop bool) {
	if resp != nil {
		if retryAfter, ok := parseRetryAfterFromResponse(resp); ok {
			if retryAfter > rt.MaxRetryAfter {
				rt.Logger.Warn("server asks to retry too late, giving up", log.Duration("retry_after", retryAfter))
				return 0, true
			}
			return retryAfter, false
		}
	}
	waitTime = bf.NextBackOff()
	return waitTime, waitTime == backoff.Stop
}

// RetryableRoundTripperError is returned in RoundTrip method of RetryableRoundTripper
// when the original request cannot be potentially retried.
type RetryableRoundTripperError struct {
	Inner error
}

func (e *RetryableRoundTripperError) Error() string {
	return fmt.Sprintf("retryable round trip: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RetryableRoundTripperError) Unwrap() error {
	return e.Inner
}

// DefaultCheckRetry retries idempotent requests that failed with a temporary network error,
// 429 (Too Many Requests) or 5xx status code.
func DefaultCheckRetry(req *http.Request, resp *http.Response, roundTripErr error) bool {
	if !isIdempotentMethod(req.Method) {
		return false
	}
	if roundTripErr != nil {
		return CheckErrorIsTemporary(roundTripErr)
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

// CheckErrorIsTemporary checks either error is temporary or not.
func CheckErrorIsTemporary(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var terr interface{ Temporary() bool }
	return errors.As(err, &terr) && terr.Temporary()
}

func isIdempotentMethod(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func parseRetryAfterFromResponse(resp *http.Response) (retryAfter time.Duration, ok bool) {
	retryAfterVal := resp.Header.Get("Retry-After")
	if retryAfterVal == "" {
		return 0, false
	}
	parsedInt, parseIntErr := strconv.Atoi(retryAfterVal)
	if parseIntErr != nil {
		parsedTime, parsedTimeErr := http.ParseTime(retryAfterVal)
		if parsedTimeErr != nil {
			return 0, false
		}
		if d := time.Until(parsedTime); d > 0 {
			return d, true
		}
		return 0, true
	}
	if parsedInt < 0 {
		return 0, false
	}
	return time.Duration(parsedInt) * time.Second, true
}
