/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"
)

// Checker makes the admission decision for a client key. It's implemented by Limiter.
type Checker interface {
	Check(clientKey string) (allow bool, retryAfter time.Duration)
}

var _ Checker = (*Limiter)(nil)

// Params contains common data that relates to the admission procedure.
type Params struct {
	Key                 string
	EstimatedRetryAfter time.Duration
}

// RequestHandler abstracts the request-specific operations (HTTP or any other transport).
type RequestHandler interface {
	// GetKey extracts the client key from the request.
	// Returns key, bypass (whether to skip admission control), and error.
	GetKey() (string, bool, error)

	// Execute processes the actual request.
	Execute() error

	// OnReject handles request rejection when the rate limit is exceeded.
	OnReject(params Params) error

	// OnError handles errors that occur while getting the client key.
	OnError(params Params, err error) error
}

// RequestProcessor consults a Checker before executing a request.
type RequestProcessor struct {
	checker Checker
}

// NewRequestProcessor creates a new request processor.
func NewRequestProcessor(checker Checker) *RequestProcessor {
	return &RequestProcessor{checker: checker}
}

// ProcessRequest executes the request if it's admitted and rejects it otherwise.
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	key, bypass, err := rh.GetKey()
	if err != nil {
		return rh.OnError(Params{Key: key}, fmt.Errorf("get key for rate limit: %w", err))
	}
	if bypass {
		return rh.Execute()
	}
	allow, retryAfter := p.checker.Check(key)
	if !allow {
		return rh.OnReject(Params{Key: key, EstimatedRetryAfter: retryAfter})
	}
	return rh.Execute()
}
