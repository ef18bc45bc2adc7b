/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vasayxtx/go-glob"
	"golang.org/x/time/rate"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/ratelimit"
	"github.com/acronis/go-admission/restapi"
)

// AdmissionLogFieldKey is the name of the logged field that contains a client key used for admission control.
const AdmissionLogFieldKey = "rate_limit_key"

// DefaultAdmissionRejectionLogInterval is a default minimal interval between two "rate limit exceeded" log messages.
const DefaultAdmissionRejectionLogInterval = time.Second

const userAgentLogFieldKey = "user_agent"

// AdmissionParams contains data that relates to the admission procedure
// and could be used for rejecting or handling an occurred error.
type AdmissionParams struct {
	ErrDomain           string
	Limiter             string
	Key                 string
	EstimatedRetryAfter time.Duration
}

// AdmissionOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type AdmissionOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, next http.Handler, logger log.FieldLogger)

// AdmissionOnErrorFunc is a function that is called when the client key cannot be derived from the request.
type AdmissionOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params AdmissionParams, err error, next http.Handler, logger log.FieldLogger)

// AdmissionOpts represents options for the Admission middleware.
type AdmissionOpts struct {
	// GetKey derives the client key. Host part of RemoteAddr is used if not set.
	GetKey ClientKeyFunc

	// BypassKeys is a list of glob patterns (e.g. "10.0.*"). Requests with matching keys are never limited.
	BypassKeys []string

	// DryRun makes the middleware only log rejections and serve the request anyway.
	DryRun bool

	// RejectionLogInterval throttles "rate limit exceeded" messages.
	// DefaultAdmissionRejectionLogInterval is used if zero, negative value disables throttling.
	RejectionLogInterval time.Duration

	OnReject AdmissionOnRejectFunc
	OnError  AdmissionOnErrorFunc
}

type admissionHandler struct {
	next        http.Handler
	limiter     *ratelimit.Limiter
	processor   *ratelimit.RequestProcessor
	getKey      ClientKeyFunc
	errDomain   string
	dryRun      bool
	logSometime *rate.Sometimes

	onReject AdmissionOnRejectFunc
	onError  AdmissionOnErrorFunc
}

// Admission is a middleware that consults the limiter before passing the request to the next handler.
// Rejected requests get 429 status code, Retry-After header and an error in the JSON body.
func Admission(limiter *ratelimit.Limiter, errDomain string) func(next http.Handler) http.Handler {
	return AdmissionWithOpts(limiter, errDomain, AdmissionOpts{})
}

// AdmissionWithOpts is a more configurable version of Admission middleware.
func AdmissionWithOpts(limiter *ratelimit.Limiter, errDomain string, opts AdmissionOpts) func(next http.Handler) http.Handler {
	getKey := opts.GetKey
	if getKey == nil {
		getKey = MustNewClientKeyFunc(nil)
	}
	if len(opts.BypassKeys) != 0 {
		getKey = withBypassKeys(getKey, opts.BypassKeys)
	}

	logInterval := opts.RejectionLogInterval
	if logInterval == 0 {
		logInterval = DefaultAdmissionRejectionLogInterval
	}
	var logSometime *rate.Sometimes
	if logInterval > 0 {
		logSometime = &rate.Sometimes{First: 1, Interval: logInterval}
	}

	onReject := opts.OnReject
	if onReject == nil {
		onReject = DefaultAdmissionOnReject
	}
	onError := opts.OnError
	if onError == nil {
		onError = DefaultAdmissionOnError
	}

	processor := ratelimit.NewRequestProcessor(limiter)
	return func(next http.Handler) http.Handler {
		return &admissionHandler{
			next:        next,
			limiter:     limiter,
			processor:   processor,
			getKey:      getKey,
			errDomain:   errDomain,
			dryRun:      opts.DryRun,
			logSometime: logSometime,
			onReject:    onReject,
			onError:     onError,
		}
	}
}

func withBypassKeys(getKey ClientKeyFunc, patterns []string) ClientKeyFunc {
	matchers := make([]func(s string) bool, 0, len(patterns))
	for _, p := range patterns {
		matchers = append(matchers, glob.Compile(p))
	}
	return func(r *http.Request) (string, bool, error) {
		key, bypass, err := getKey(r)
		if err != nil || bypass {
			return key, bypass, err
		}
		for i := range matchers {
			if matchers[i](key) {
				return key, true, nil
			}
		}
		return key, false, nil
	}
}

func (h *admissionHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	_ = h.processor.ProcessRequest(&admissionRequestHandler{rw: rw, r: r, parent: h}) // Errors are handled by the callbacks.
}

// admissionRequestHandler implements ratelimit.RequestHandler for HTTP requests.
type admissionRequestHandler struct {
	rw     http.ResponseWriter
	r      *http.Request
	parent *admissionHandler
}

func (h *admissionRequestHandler) GetKey() (key string, bypass bool, err error) {
	key, bypass, err = h.parent.getKey(h.r)
	if err == nil && !bypass {
		h.r = h.r.WithContext(NewContextWithClientKey(h.r.Context(), key))
	}
	return key, bypass, err
}

func (h *admissionRequestHandler) Execute() error {
	h.parent.next.ServeHTTP(h.rw, h.r)
	return nil
}

func (h *admissionRequestHandler) OnReject(params ratelimit.Params) error {
	logger := GetLoggerFromContext(h.r.Context())
	if logger != nil {
		h.parent.logRejection(logger, h.r, params)
	}
	if lp := GetLoggingParamsFromContext(h.r.Context()); lp != nil {
		lp.ExtendFields(log.String("rejected_by", h.parent.limiter.Name()))
	}
	if h.parent.dryRun {
		h.parent.next.ServeHTTP(h.rw, h.r)
		return nil
	}
	h.parent.onReject(h.rw, h.r, h.convertParams(params), h.parent.next, logger)
	return nil
}

func (h *admissionRequestHandler) OnError(params ratelimit.Params, err error) error {
	h.parent.onError(h.rw, h.r, h.convertParams(params), err, h.parent.next, GetLoggerFromContext(h.r.Context()))
	return nil
}

func (h *admissionRequestHandler) convertParams(params ratelimit.Params) AdmissionParams {
	return AdmissionParams{
		ErrDomain:           h.parent.errDomain,
		Limiter:             h.parent.limiter.Name(),
		Key:                 params.Key,
		EstimatedRetryAfter: params.EstimatedRetryAfter,
	}
}

func (h *admissionHandler) logRejection(logger log.FieldLogger, r *http.Request, params ratelimit.Params) {
	doLog := func() {
		msg := "rate limit exceeded"
		if h.dryRun {
			msg = "rate limit exceeded, serving will be continued because of dry run mode"
		}
		logger.Warn(msg,
			log.String("limiter", h.limiter.Name()),
			log.String(AdmissionLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	if h.logSometime == nil {
		doLog()
		return
	}
	h.logSometime.Do(doLog)
}

// DefaultAdmissionOnReject responds with 429 status code, Retry-After header (in whole seconds, rounded up)
// and a JSON error.
func DefaultAdmissionOnReject(
	rw http.ResponseWriter, _ *http.Request, params AdmissionParams, _ http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(log.String("limiter", params.Limiter), log.String(AdmissionLogFieldKey, params.Key))
	}
	retryAfterSecs := int(math.Ceil(params.EstimatedRetryAfter.Seconds()))
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	rw.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	apiErr := restapi.NewTooManyRequestsError(params.ErrDomain)
	restapi.RespondError(rw, http.StatusTooManyRequests, apiErr, logger)
}

// DefaultAdmissionOnError logs the error and responds with 500 status code.
func DefaultAdmissionOnError(
	rw http.ResponseWriter, _ *http.Request, params AdmissionParams, err error, _ http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String("limiter", params.Limiter), log.String(AdmissionLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}
