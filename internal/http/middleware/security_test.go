package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func secured(opt SecurityOptions, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(pre...)
	r.Use(SecurityHeaders(opt))
	r.GET("/views/:slug", func(c *gin.Context) {
		c.Header("Cache-Control", "public, s-maxage=60, stale-while-revalidate=30")
		c.Status(http.StatusOK)
	})
	return r
}

func fetch(r http.Handler, mutate func(*http.Request)) http.Header {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/views/post", nil)
	if mutate != nil {
		mutate(req)
	}
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	h := fetch(secured(SecurityOptions{}), nil)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "public, s-maxage=60, stale-while-revalidate=30",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Fatalf("%s=%q; want %q", k, got, v)
		}
	}
	for _, k := range []string{"Strict-Transport-Security", "Permissions-Policy", "Pragma", "Access-Control-Expose-Headers"} {
		if h.Get(k) != "" {
			t.Fatalf("%s set without opting in: %q", k, h.Get(k))
		}
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	r := secured(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour})

	if got := fetch(r, nil).Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("HSTS on plain http: %q", got)
	}
	direct := fetch(r, func(req *http.Request) { req.TLS = &tls.ConnectionState{} })
	if got := direct.Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains; preload" {
		t.Fatalf("direct TLS HSTS=%q", got)
	}
	proxied := fetch(r, func(req *http.Request) { req.Header.Set("X-Forwarded-Proto", "HTTPS") })
	if proxied.Get("Strict-Transport-Security") == "" {
		t.Fatalf("HSTS missing behind TLS-terminating proxy")
	}

	def := fetch(secured(SecurityOptions{EnableHSTS: true}), func(req *http.Request) { req.TLS = &tls.ConnectionState{} })
	if got := def.Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains; preload" {
		t.Fatalf("default max-age HSTS=%q", got)
	}
}

func TestSecurityHeaders_NoStoreOverridesRoutePolicy(t *testing.T) {
	h := fetch(secured(SecurityOptions{NoStore: true, EnablePolicy: true}), nil)

	// The route sets its own Cache-Control after the middleware ran.
	if got := h.Get("Cache-Control"); got != "public, s-maxage=60, stale-while-revalidate=30" {
		t.Fatalf("route header lost: %q", got)
	}
	if h.Get("Pragma") != "no-cache" || h.Get("Expires") != "0" {
		t.Fatalf("legacy no-cache headers missing: %v", h)
	}
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("policy headers missing: %v", h)
	}
}

func TestSecurityHeaders_ExposesClientHeaders(t *testing.T) {
	h := fetch(secured(SecurityOptions{Expose: DefaultExposeHeaders}, RequestID()), nil)
	if got := h.Get("Access-Control-Expose-Headers"); got != "X-Request-ID, ETag, Idempotency-Replayed" {
		t.Fatalf("expose=%q", got)
	}

	// Entries already exposed by CORS are not repeated.
	preset := func(c *gin.Context) {
		c.Header("Access-Control-Expose-Headers", "etag")
		c.Next()
	}
	h = fetch(secured(SecurityOptions{Expose: []string{"ETag", HeaderIdempotencyReplayed, "ETag"}}, preset), nil)
	if got := h.Get("Access-Control-Expose-Headers"); got != "etag, Idempotency-Replayed" {
		t.Fatalf("merged expose=%q", got)
	}
}

func TestIsHTTPS(t *testing.T) {
	cases := []struct {
		name  string
		tls   bool
		proto string
		want  bool
	}{
		{"plain", false, "", false},
		{"tls", true, "", true},
		{"forwarded https", false, "https", true},
		{"forwarded http", false, "http", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.tls {
			req.TLS = &tls.ConnectionState{}
		}
		if tc.proto != "" {
			req.Header.Set("X-Forwarded-Proto", tc.proto)
		}
		if got := isHTTPS(req); got != tc.want {
			t.Fatalf("%s: isHTTPS=%v", tc.name, got)
		}
	}
}
