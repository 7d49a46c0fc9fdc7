package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-view-counter/internal/sysutil"
)

// Identifiers scrubbed from logged query strings and header values. UUIDs go
// first: the phone pattern would otherwise eat their digit groups.
var (
	reUUID  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	reEmail = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	rePhone = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

func scrub(s string) string {
	if s == "" {
		return s
	}
	s = reUUID.ReplaceAllString(s, "[REDACTED:id]")
	s = reEmail.ReplaceAllString(s, "[REDACTED:email]")
	return rePhone.ReplaceAllString(s, "[REDACTED:phone]")
}

// headerMask holds lower-cased header names whose values are never logged.
type headerMask map[string]struct{}

func newHeaderMask(extra []string) headerMask {
	m := headerMask{"authorization": {}, "cookie": {}, "set-cookie": {}}
	for _, h := range extra {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			m[h] = struct{}{}
		}
	}
	return m
}

func (m headerMask) render(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, masked := m[strings.ToLower(k)]; masked {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = scrub(strings.Join(vv, ", "))
	}
	return out
}

// accessLevel picks the level of an access line.
func accessLevel(status int, handlerErrors int) zerolog.Level {
	switch {
	case handlerErrors > 0 || status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are logged as [REDACTED], on top of Authorization, Cookie
	// and Set-Cookie.
	MaskHeaders []string
	// SkipPaths are route patterns that get no access line, e.g. probes.
	SkipPaths []string
}

// RedactingLogger writes one access line per request. Bodies are never
// logged; emails, phone numbers and UUIDs are scrubbed from the query and
// header values. The line carries the slug, the Cache-Control sent and
// whether the increment was a replay, so CDN and retry behavior can be read
// from the logs.
//
// It also attaches the request-scoped logger returned by LoggerFrom, even on
// skipped paths.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	mask := newHeaderMask(opts.MaskHeaders)
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		setLogger(c, log.With().
			Str("request_id", sysutil.FirstNonEmpty(
				RequestIDFrom(c),
				c.Writer.Header().Get(requestIDHeader),
				c.GetHeader(requestIDHeader),
			)).
			Str("slug", c.Param("slug")).
			Str("path", route).
			Logger())

		if skip[route] {
			c.Next()
			return
		}
		query := truncate(scrub(c.Request.URL.RawQuery), maxQueryLogLength)
		headers := mask.render(c.Request.Header)

		c.Next()

		status := c.Writer.Status()
		ev := LoggerFrom(c).WithLevel(accessLevel(status, len(c.Errors)))
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("remote_ip", c.ClientIP()).
			Str("query", query).
			Int("status", status).
			Str("cache_control", c.Writer.Header().Get("Cache-Control")).
			Bool("replayed", IsReplay(c)).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
