/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"fmt"
	"net/url"
)

// ClientError is returned by DoRequestAndUnmarshalJSON when the request fails
// or the server responds with an error.
type ClientError struct {
	Message    string
	Method     string
	URL        *url.URL
	StatusCode int

	// Err is *ErrorResponseData if the server responded with an error status code.
	Err error
}

func (e *ClientError) wrap(message string, err error) *ClientError {
	e.Message = message
	e.Err = err
	return e
}

// Error implements error interface.
func (e *ClientError) Error() string {
	str := fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	if e.Err != nil {
		str += ": " + e.Err.Error()
	}
	return str
}

// Unwrap returns the next error in the error chain.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// APIError returns the error sent by the server in the JSON envelope, or nil if there is no such one.
func (e *ClientError) APIError() *Error {
	if respData, ok := e.Err.(*ErrorResponseData); ok {
		return respData.Err
	}
	return nil
}
