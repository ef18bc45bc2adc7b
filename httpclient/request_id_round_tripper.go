/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"

	"github.com/rs/xid"

	"github.com/acronis/go-admission/httpserver/middleware"
)

const headerRequestID = "X-Request-ID"

// RequestIDRoundTripper sets X-Request-ID header in outgoing requests.
// The ID is taken from the context (see middleware.GetRequestIDFromContext) or generated if there is none,
// so all attempts of a retried request share the same ID.
type RequestIDRoundTripper struct {
	Delegate http.RoundTripper
}

// NewRequestIDRoundTripper creates an HTTP transport with X-Request-ID header support.
func NewRequestIDRoundTripper(delegate http.RoundTripper) *RequestIDRoundTripper {
	return &RequestIDRoundTripper{Delegate: delegate}
}

// RoundTrip adds X-Request-ID header to the request if it's not set yet.
func (rt *RequestIDRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get(headerRequestID) != "" {
		return rt.Delegate.RoundTrip(r)
	}
	requestID := middleware.GetRequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = xid.New().String()
	}
	r = r.Clone(r.Context()) // Per RoundTripper contract.
	r.Header.Set(headerRequestID, requestID)
	return rt.Delegate.RoundTrip(r)
}
