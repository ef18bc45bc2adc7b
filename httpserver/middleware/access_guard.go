/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/restapi"
)

const (
	headerAuthorization   = "Authorization"
	headerWWWAuthenticate = "WWW-Authenticate"
	bearerPrefix          = "Bearer "
)

// AccessGuardOpts represents options for AccessGuard.
type AccessGuardOpts struct {
	// AllowedNetworks lists CIDRs (or single IPs) the direct peer must belong to.
	// Forwarding headers are ignored. Any peer is allowed if it's empty.
	AllowedNetworks []string

	// Token must be passed as "Authorization: Bearer <token>" if it's not empty.
	Token string
}

type accessGuardHandler struct {
	next      http.Handler
	errDomain string
	nets      []*net.IPNet
	token     []byte
}

// AccessGuard creates a middleware that restricts access by the peer address and a static bearer token.
// Requests from other networks get 403, requests without a valid token get 401.
func AccessGuard(errDomain string, opts AccessGuardOpts) (func(next http.Handler) http.Handler, error) {
	nets, err := parseNetworks(opts.AllowedNetworks, "allowed network")
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return &accessGuardHandler{next: next, errDomain: errDomain, nets: nets, token: []byte(opts.Token)}
	}, nil
}

func (h *accessGuardHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if len(h.nets) != 0 && !isTrustedIP(peerIP(r), h.nets) {
		h.deny(rw, r, http.StatusForbidden,
			restapi.NewError(h.errDomain, restapi.ErrCodeForbidden, restapi.ErrMessageForbidden),
			"peer is not in allowed networks")
		return
	}

	if len(h.token) != 0 {
		auth := r.Header.Get(headerAuthorization)
		if !strings.HasPrefix(auth, bearerPrefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, bearerPrefix)), h.token) != 1 {
			rw.Header().Set(headerWWWAuthenticate, `Bearer realm="admin"`)
			h.deny(rw, r, http.StatusUnauthorized,
				restapi.NewError(h.errDomain, restapi.ErrCodeUnauthorized, restapi.ErrMessageUnauthorized),
				"missing or invalid bearer token")
			return
		}
	}

	h.next.ServeHTTP(rw, r)
}

func (h *accessGuardHandler) deny(rw http.ResponseWriter, r *http.Request, status int, apiErr *restapi.Error, reason string) {
	logger := GetLoggerFromContext(r.Context())
	if logger != nil {
		logger.Warn("access denied", log.String("reason", reason), log.String("peer", peerIP(r)))
	}
	restapi.RespondError(rw, status, apiErr, logger)
}
