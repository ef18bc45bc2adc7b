/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admissiond

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/settings"
)

// Error codes of the admin API.
const (
	ErrCodeSettingsStoreDisabled = "settingsStoreDisabled"
	ErrCodeSettingNotFound       = "settingNotFound"
)

// LimitInfo describes the effective state of a named limiter.
type LimitInfo struct {
	Name           string `json:"name" yaml:"name"`
	MaxRequests    int    `json:"maxRequests" yaml:"maxRequests"`
	WindowSeconds  int64  `json:"windowSeconds" yaml:"windowSeconds"`
	TrackedClients int    `json:"trackedClients" yaml:"trackedClients"`
}

type putSettingRequest struct {
	Value *int `json:"value"`
}

func (a *App) routes(router chi.Router) {
	router.With(a.admission(LimiterPublicPages)).Get("/", a.handlePublicPage)
	router.With(a.admission(LimiterPublicPages)).Get("/articles/{slug}", a.handlePublicPage)
	router.With(a.admission(LimiterLogin)).Post("/login", a.handleLogin)

	// Denied requests must not consume the admin_write quota.
	router.Route("/admin", func(r chi.Router) {
		r.Use(a.adminGuard)
		r.Get("/limits", a.handleListLimits)
		r.Get("/settings", a.handleListSettings)
		r.Get("/settings/{key}", a.handleGetSetting)
		r.With(a.admission(LimiterAdminWrite)).Put("/settings/{key}", a.handlePutSetting)
	})
}

// admission returns the middleware of the named limiter.
// Surfaces without a configured limiter are not limited.
func (a *App) admission(name string) func(http.Handler) http.Handler {
	limiter, ok := a.Registry.Lookup(name)
	if !ok {
		a.Logger.Warn("limiter is not configured, surface will not be limited", log.String("limiter", name))
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.AdmissionWithOpts(limiter, ErrorDomain, middleware.AdmissionOpts{
		GetKey:     a.getKey,
		BypassKeys: a.Config.Admission.BypassKeys,
		DryRun:     a.Config.Admission.DryRun,
	})
}

// Content rendering is out of scope, public pages are stubs.
func (a *App) handlePublicPage(rw http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"page": r.URL.Path}
	if slug := chi.URLParam(r, "slug"); slug != "" {
		resp["slug"] = slug
	}
	restapi.RespondJSON(rw, resp, middleware.GetLoggerFromContext(r.Context()))
}

// Credential verification is out of scope, the login surface only exercises its limiter.
func (a *App) handleLogin(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, map[string]string{"status": "accepted"}, middleware.GetLoggerFromContext(r.Context()))
}

func (a *App) handleListLimits(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, a.Limits(), middleware.GetLoggerFromContext(r.Context()))
}

// Limits returns the effective state of all limiters ordered by name.
func (a *App) Limits() []LimitInfo {
	names := a.Registry.Names()
	res := make([]LimitInfo, 0, len(names))
	for _, name := range names {
		limiter, ok := a.Registry.Lookup(name)
		if !ok {
			continue
		}
		cfg := limiter.Config()
		res = append(res, LimitInfo{
			Name:           name,
			MaxRequests:    cfg.MaxRequests,
			WindowSeconds:  int64(cfg.Window / time.Second),
			TrackedClients: limiter.Len(),
		})
	}
	return res
}

func (a *App) handleListSettings(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	if a.Store == nil {
		a.respondStoreDisabled(rw, logger)
		return
	}
	list, err := a.Store.List(r.Context())
	if err != nil {
		if logger != nil {
			logger.Error("failed to list settings", log.Error(err))
		}
		restapi.RespondInternalError(rw, ErrorDomain, logger)
		return
	}
	if list == nil {
		list = []settings.Setting{}
	}
	restapi.RespondJSON(rw, list, logger)
}

func (a *App) handleGetSetting(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	if a.Store == nil {
		a.respondStoreDisabled(rw, logger)
		return
	}
	key := chi.URLParam(r, "key")
	val, err := a.Store.Get(r.Context(), key)
	if err != nil {
		status, apiErr := settingError(key, err)
		if status == http.StatusInternalServerError && logger != nil {
			logger.Error("failed to get setting", log.String("key", key), log.Error(err))
		}
		restapi.RespondError(rw, status, apiErr, logger)
		return
	}
	restapi.RespondJSON(rw, settings.Setting{Key: key, Value: val}, logger)
}

func (a *App) handlePutSetting(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	if a.Store == nil {
		a.respondStoreDisabled(rw, logger)
		return
	}

	key := chi.URLParam(r, "key")
	var req putSettingRequest
	if err := restapi.DecodeRequestJSON(r, &req); err != nil {
		restapi.RespondMalformedRequestOrInternalError(rw, ErrorDomain, err, logger)
		return
	}
	if req.Value == nil || *req.Value <= 0 {
		apiErr := restapi.NewError(ErrorDomain, restapi.ErrCodeInvalidParameter, "Value must be a positive integer.").
			AddContext("param", "value")
		restapi.RespondError(rw, http.StatusBadRequest, apiErr, logger)
		return
	}

	if err := a.Store.SetInt(r.Context(), key, *req.Value); err != nil {
		if logger != nil {
			logger.Error("failed to update setting", log.String("key", key), log.Error(err))
		}
		restapi.RespondInternalError(rw, ErrorDomain, logger)
		return
	}
	if logger != nil {
		logger.Info("setting updated", log.String("key", key), log.Int("value", *req.Value))
	}
	restapi.RespondJSON(rw, settings.Setting{Key: key, Value: strconv.Itoa(*req.Value)}, logger)
}

func (a *App) respondStoreDisabled(rw http.ResponseWriter, logger log.FieldLogger) {
	apiErr := restapi.NewError(ErrorDomain, ErrCodeSettingsStoreDisabled, "Settings store is disabled.")
	restapi.RespondError(rw, http.StatusNotImplemented, apiErr, logger)
}

// settingError converts errors of the settings store to API errors.
func settingError(key string, err error) (int, *restapi.Error) {
	if errors.Is(err, settings.ErrNotFound) {
		return http.StatusNotFound, restapi.NewError(ErrorDomain, ErrCodeSettingNotFound, "Setting not found.").
			AddContext("key", key)
	}
	return http.StatusInternalServerError, restapi.NewInternalError(ErrorDomain)
}
