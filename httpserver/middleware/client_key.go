/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

const (
	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// ClientKeyFunc derives a client key for admission control from the request.
type ClientKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// NewClientKeyFunc returns a ClientKeyFunc that uses the client IP address as a key.
//
// The host part of RemoteAddr is used by default. X-Forwarded-For and X-Real-IP headers are taken into account
// only if the direct peer belongs to one of the trustedProxies CIDRs (or single IPs).
// In this case the right-most address of X-Forwarded-For that is not a trusted proxy is used.
// If trustedProxies is empty, headers are never trusted.
func NewClientKeyFunc(trustedProxies []string) (ClientKeyFunc, error) {
	nets, err := parseNetworks(trustedProxies, "trusted proxy")
	if err != nil {
		return nil, err
	}
	return func(r *http.Request) (string, bool, error) {
		return clientIP(r, nets), false, nil
	}, nil
}

// MustNewClientKeyFunc is a version of NewClientKeyFunc that panics if an error occurs.
func MustNewClientKeyFunc(trustedProxies []string) ClientKeyFunc {
	f, err := NewClientKeyFunc(trustedProxies)
	if err != nil {
		panic(err)
	}
	return f
}

// parseNetworks accepts CIDRs and single IPs, what is used in error messages.
func parseNetworks(addrs []string, what string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(addrs))
	for _, s := range addrs {
		s = strings.TrimSpace(s)
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("invalid %s %q", what, s)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", what, s, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func peerIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func clientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := peerIP(r)
	if len(trusted) == 0 || !isTrustedIP(peer, trusted) {
		return peer
	}

	if xff := r.Header.Values(headerForwardedFor); len(xff) != 0 {
		addrs := strings.Split(strings.Join(xff, ","), ",")
		for i := len(addrs) - 1; i >= 0; i-- {
			addr := strings.TrimSpace(addrs[i])
			if addr == "" {
				continue
			}
			if !isTrustedIP(addr, trusted) {
				return addr
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get(headerRealIP)); realIP != "" {
		return realIP
	}
	return peer
}

func isTrustedIP(addr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
