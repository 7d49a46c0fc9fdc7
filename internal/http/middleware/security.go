// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware that attaches a
// conservative set of HTTP security headers to the view-counter API. It also
// exposes the response headers browser widgets read (request id, ETag, and the
// idempotent replay marker) through Access-Control-Expose-Headers.
//
// Notes:
//   - No CSP here; the API never serves HTML.
//   - HSTS is opt-in and only applied when the request is actually HTTPS.
//   - Cache-Control is left to the handlers: reads are CDN-cacheable, writes
//     and errors set no-store themselves. NoStore exists for deployments that
//     front the API with an untrusted cache.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures HTTP security headers emitted by SecurityHeaders.
//
// EnableHSTS controls whether to emit Strict-Transport-Security for HTTPS
// requests (never for plain HTTP). HSTSMaxAge defaults to 180 days.
//
// NoStore, when true, adds Cache-Control: no-store (plus legacy Pragma/Expires)
// to every response, overriding the per-route cache policy.
//
// EnablePolicy controls whether Permissions-Policy and
// X-Permitted-Cross-Domain-Policies are sent.
//
// Expose lists response headers that browser clients may read. They are
// appended to Access-Control-Expose-Headers without duplicating entries.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	NoStore      bool
	EnablePolicy bool
	Expose       []string
}

// DefaultExposeHeaders are the headers the view API clients rely on.
var DefaultExposeHeaders = []string{"ETag", "Idempotency-Replayed"}

// SecurityHeaders returns a Gin middleware that adds security headers to each
// response.
//
// Behavior:
//   - Always sets X-Content-Type-Options, X-Frame-Options and Referrer-Policy.
//   - When EnablePolicy: Permissions-Policy and X-Permitted-Cross-Domain-Policies.
//   - When NoStore: Cache-Control: no-store, Pragma: no-cache, Expires: 0.
//   - When EnableHSTS and the request is HTTPS: Strict-Transport-Security.
//   - If X-Request-ID is already set, it is exposed first, followed by Expose.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if h.Get("X-Request-ID") != "" {
			exposeHeader(h, "X-Request-ID")
		}
		for _, name := range opt.Expose {
			exposeHeader(h, name)
		}

		c.Next()
	}
}

// exposeHeader appends name to Access-Control-Expose-Headers unless an entry
// with the same name (case-insensitive) is already listed.
func exposeHeader(h http.Header, name string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	if cur == "" {
		h.Set(hdr, name)
		return
	}
	for _, part := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(hdr, cur+", "+name)
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// (r.TLS != nil) or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
