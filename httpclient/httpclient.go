/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides an HTTP client for talking to admission control services.
// Its transport is a chain of round trippers that retry failed requests (respecting Retry-After),
// log every attempt and propagate User-Agent, X-Request-ID and Authorization headers.
package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/retry"
)

// DefaultTimeout is a default timeout of the whole request including all retry attempts.
const DefaultTimeout = 30 * time.Second

// Opts provides options for New and Must functions.
type Opts struct {
	// Timeout limits the whole request including retries. DefaultTimeout is used if zero.
	Timeout time.Duration

	// UserAgent is set in requests that don't have User-Agent header.
	UserAgent string

	// Logger is used for logging requests and retries. Logging is disabled if it's nil.
	Logger log.FieldLogger

	// MaxRetryAttempts is passed to RetryableRoundTripper. Negative value disables retries.
	MaxRetryAttempts int

	// MaxRetryAfter is passed to RetryableRoundTripper.
	MaxRetryAfter time.Duration

	// BackoffPolicy is passed to RetryableRoundTripper.
	BackoffPolicy retry.Policy

	// AuthProvider, if set, provides a bearer token for the Authorization header.
	AuthProvider AuthProvider

	// Delegate is the last RoundTripper in the chain. A clone of http.DefaultTransport is used if it's nil.
	Delegate http.RoundTripper
}

// New creates http.Client with the transport chain configured by opts.
func New(opts Opts) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	delegate = NewLoggingRoundTripper(delegate, opts.Logger)
	if opts.MaxRetryAttempts >= 0 {
		var err error
		if delegate, err = NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{
			Logger:           opts.Logger,
			MaxRetryAttempts: opts.MaxRetryAttempts,
			MaxRetryAfter:    opts.MaxRetryAfter,
			BackoffPolicy:    opts.BackoffPolicy,
		}); err != nil {
			return nil, fmt.Errorf("create retryable round tripper: %w", err)
		}
	}
	// Headers are set outside of the retryable round tripper, so all attempts share them.
	delegate = NewRequestIDRoundTripper(delegate)
	if opts.UserAgent != "" {
		delegate = NewUserAgentRoundTripper(delegate, opts.UserAgent)
	}
	if opts.AuthProvider != nil {
		delegate = NewAuthBearerRoundTripper(delegate, opts.AuthProvider)
	}

	return &http.Client{Transport: delegate, Timeout: opts.Timeout}, nil
}

// Must creates http.Client as New does and panics if any error occurs.
func Must(opts Opts) *http.Client {
	client, err := New(opts)
	if err != nil {
		panic(err)
	}
	return client
}
