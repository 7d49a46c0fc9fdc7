package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Headers of the safe-retry protocol on POST /views/:slug.
const (
	HeaderIdempotencyKey      = "Idempotency-Key"
	HeaderIdempotencyReplayed = "Idempotency-Replayed"
)

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

const defaultIdempotencyMaxLen = 200

var defaultIdempotencyPattern = regexp.MustCompile(`^[A-Za-z0-9._~:\-]+$`)

// GetIdempotencyKey returns the key accepted by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	s, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	key, _ := s.(string)
	return key, key != ""
}

// IsReplay reports whether a receipt already exists for this slug and key.
func IsReplay(c *gin.Context) bool {
	return c.GetBool(ctxKeyIdemReplay)
}

// MarkReplayed tells the client its increment was served from a receipt.
func MarkReplayed(c *gin.Context) {
	c.Header(HeaderIdempotencyReplayed, "true")
}

// IdempotencyOptions bounds what an Idempotency-Key may look like.
type IdempotencyOptions struct {
	MaxLen  int            // <= 0 means 200
	Pattern *regexp.Regexp // nil means letters, digits and ._~:-
	Now     func() time.Time
}

// IdempotencyLookup reports whether a receipt for (slug, key) is still live at
// now. Receipt expiry is the lookup's business.
type IdempotencyLookup func(ctx context.Context, slug, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator accepts or rejects the Idempotency-Key header of a view
// increment. A request without the header passes through untouched. A
// malformed key is answered with 400 before the handler runs. When lookup
// finds a receipt the request is flagged as a replay and skips rate limiting,
// since replaying never changes a count.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultIdempotencyMaxLen
	}
	if opts.Pattern == nil {
		opts.Pattern = defaultIdempotencyPattern
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(c *gin.Context) {
		raw, present := c.Request.Header[http.CanonicalHeaderKey(HeaderIdempotencyKey)]
		if !present {
			c.Next()
			return
		}
		key := ""
		if len(raw) > 0 {
			key = strings.TrimSpace(raw[0])
		}
		if key == "" || len(key) > opts.MaxLen || !opts.Pattern.MatchString(key) {
			c.Header("Cache-Control", "no-store")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			slug := strings.TrimSpace(c.Param("slug"))
			exists, err := lookup(c.Request.Context(), slug, key, opts.Now().UTC())
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Msg("idempotency: receipt lookup failed; counting as new")
			case exists:
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
