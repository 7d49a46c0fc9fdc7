package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-view-counter/internal/http/middleware"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	// Echo of X-Request-ID, for matching a client report to server logs
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"store_unavailable"`
	Message   string `json:"message" example:"view counts are temporarily unavailable"`
}

// fail aborts with an ErrorResponse. Errors are never cached. 5xx answers are
// logged with the request-scoped logger; 503 only at warn level since it is
// the expected outcome of a store outage.
func fail(c *gin.Context, status int, code, msg string) {
	noStore(c)

	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error()
		if status == http.StatusServiceUnavailable {
			ev = middleware.LoggerFrom(c).Warn()
		}
		if last := c.Errors.Last(); last != nil {
			ev = ev.Err(last.Err)
		}
		ev.Int("status", status).Str("code", code).Msg("request failed")
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail lets the router answer NoRoute and NoMethod with the same envelope.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// defaultReadTTL applies when the read-through cache is off.
const defaultReadTTL = 60 * time.Second

// cacheFor lets shared caches keep a read for ttl and serve it stale for
// another ttl/2 while revalidating: 60s gives s-maxage=60 and
// stale-while-revalidate=30.
func cacheFor(c *gin.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultReadTTL
	}
	sec := max(int(ttl/time.Second), 1)
	c.Header("Cache-Control", "public, s-maxage="+strconv.Itoa(sec)+", stale-while-revalidate="+strconv.Itoa(sec/2))
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
}
