/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/restapi"
)

// RecoveryDefaultStackSize is the default number of stack bytes logged for a panic.
const RecoveryDefaultStackSize = 8192

// RecoveryOpts represents options for the Recovery middleware.
type RecoveryOpts struct {
	// StackSize limits the logged stack. Zero disables stack logging.
	StackSize int
}

type recoveryHandler struct {
	next      http.Handler
	errDomain string
	stackSize int
}

// Recovery is a middleware that turns a panic in the next handler into a 500 response with a JSON error.
// The panic value and the stack are logged with the logger from the request context.
func Recovery(errDomain string) func(next http.Handler) http.Handler {
	return RecoveryWithOpts(errDomain, RecoveryOpts{StackSize: RecoveryDefaultStackSize})
}

// RecoveryWithOpts is a more configurable version of Recovery middleware.
func RecoveryWithOpts(errDomain string, opts RecoveryOpts) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &recoveryHandler{next: next, errDomain: errDomain, stackSize: opts.StackSize}
	}
}

func (h *recoveryHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	wrw := WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		logger := GetLoggerFromContext(r.Context())

		// http.Server aborts the connection silently on this value, so it must keep propagating.
		if p == http.ErrAbortHandler { //nolint:errorlint
			if logger != nil {
				logger.Warn("request has been aborted", log.Error(http.ErrAbortHandler))
			}
			panic(p)
		}

		if logger != nil {
			logger.Error(fmt.Sprintf("Panic: %+v", p), h.panicFields(r, wrw)...)
		}
		if wrw.Status() != 0 {
			// Status line is already on the wire.
			return
		}
		restapi.RespondError(wrw, http.StatusInternalServerError, restapi.NewInternalError(h.errDomain), logger)
	}()

	h.next.ServeHTTP(wrw, r)
}

func (h *recoveryHandler) panicFields(r *http.Request, wrw WrapResponseWriter) []log.Field {
	fields := []log.Field{
		log.String("method", r.Method),
		log.String("path", r.URL.Path),
		log.Bool("response_started", wrw.Status() != 0),
	}
	if h.stackSize > 0 {
		stack := make([]byte, h.stackSize)
		fields = append(fields, log.Bytes("stack", stack[:runtime.Stack(stack, false)]))
	}
	return fields
}
