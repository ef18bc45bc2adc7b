/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"

	"code.cloudfoundry.org/bytefmt"

	"github.com/acronis/go-admission/restapi"
)

type requestBodyLimitHandler struct {
	next      http.Handler
	maxSize   uint64
	errDomain string
}

// RequestBodyLimit is a middleware that caps the request body size.
// Requests that declare a larger Content-Length are rejected with 413 right away,
// bodies of unknown length are cut by http.MaxBytesReader while the handler reads them.
func RequestBodyLimit(maxSizeBytes uint64, errDomain string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &requestBodyLimitHandler{next: next, maxSize: maxSizeBytes, errDomain: errDomain}
	}
}

func (h *requestBodyLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.ContentLength > 0 && uint64(r.ContentLength) > h.maxSize {
		tooLarge := &restapi.MalformedRequestError{
			HTTPStatusCode: http.StatusRequestEntityTooLarge,
			Message:        fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(h.maxSize)),
		}
		restapi.RespondMalformedRequestOrInternalError(rw, h.errDomain, tooLarge, GetLoggerFromContext(r.Context()))
		return
	}
	restapi.SetRequestMaxBodySize(rw, r, h.maxSize)
	h.next.ServeHTTP(rw, r)
}
