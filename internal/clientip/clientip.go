// Package clientip resolves the address a request came from. Forwarding
// headers are honoured only when the direct peer is a configured proxy.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver accepts CIDRs or bare addresses. An empty list trusts no one.
func NewResolver(proxies []string) (*Resolver, error) {
	res := &Resolver{}
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			addr = addr.Unmap()
			res.trusted = append(res.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		res.trusted = append(res.trusted, prefix.Masked())
	}
	return res, nil
}

// Middleware rewrites RemoteAddr from the forwarding headers when the peer is
// trusted and leaves it untouched otherwise.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	forwarded := chimw.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if res.trustedPeer(r.RemoteAddr) {
			forwarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (res *Resolver) trustedPeer(remoteAddr string) bool {
	if len(res.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host(remoteAddr))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range res.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// FromRequest returns the client address without port.
func FromRequest(r *http.Request) string {
	if ip := host(r.RemoteAddr); ip != "" {
		return ip
	}
	return "unknown"
}

func host(remoteAddr string) string {
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return h
	}
	return remoteAddr
}
