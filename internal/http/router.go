// Package httpapi wires the HTTP transport (Gin) to the view service,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and write throttling.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Reads stay cheap and CDN-cacheable; only the write route is throttled
//   - Long-lived live routes are mounted outside the gzip group
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-view-counter/docs"
	"github.com/tbourn/go-view-counter/internal/config"
	"github.com/tbourn/go-view-counter/internal/domain"
	"github.com/tbourn/go-view-counter/internal/http/handlers"
	"github.com/tbourn/go-view-counter/internal/http/middleware"
	"github.com/tbourn/go-view-counter/internal/live"
	"github.com/tbourn/go-view-counter/internal/repo"
)

// maxBodyBytes caps request bodies. The API takes no meaningful bodies.
const maxBodyBytes = 64 << 10

// Deps are the collaborators the router mounts.
//
// Views is required. DB backs Idempotency-Key lookups; when nil, keys are
// still validated but never detected as replays at the middleware layer.
// Hub serves the multiplexed WebSocket channel; when nil (or LIVE_ENABLED is
// false) the live routes are not mounted.
type Deps struct {
	Views handlers.ViewService
	DB    *gorm.DB
	Hub   *live.Hub
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// The write route adds, in order, the idempotency validator and the per
// client+slug rate limiter so a replayed request bypasses the bucket.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderIdempotencyKey},
		SkipPaths:   []string{"/metrics"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (allow all if none configured)
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
		Expose:       middleware.DefaultExposeHeaders,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	h := handlers.New(deps.Views)

	// Liveness/health
	r.GET("/health", h.Health)

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := groupWithPrefix(r, cfg.APIBasePath)

	// REST endpoints (compressed)
	rest := api.Group("", gzip.Gzip(gzip.DefaultCompression))
	{
		rest.GET("/views", h.GetCounts)
		rest.GET("/views/stats", h.Stats)
		rest.GET("/views/top", h.Top)
		rest.GET("/views/:slug", h.GetCount)

		rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
			RPS:   cfg.RateRPS,
			Burst: cfg.RateBurst,
			Key:   middleware.KeyByClientIPAndSlug(),
		})
		rest.POST("/views/:slug",
			middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, receiptLookup(deps.DB)),
			rl.Handler(),
			h.Increment,
		)
	}

	// Live endpoints (streamed, never compressed)
	if cfg.Live.Enabled {
		api.GET("/views/:slug/stream", h.Stream)
		if deps.Hub != nil {
			api.GET("/live", gin.WrapF(deps.Hub.ServeWS))
		}
	}
}

// receiptLookup reports whether a live increment receipt exists for the
// request's slug and key. The middleware treats a failed lookup as a miss.
func receiptLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, slug, key string, now time.Time) (bool, error) {
		slug, err := domain.ValidateSlug(slug)
		if err != nil {
			return false, nil
		}
		rec, err := repo.GetReceipt(ctx, db, slug, key, now)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return rec != nil, nil
	}
}

// corsMiddleware returns the CORS chain. With no allowlist every origin is
// accepted (credentials off); otherwise only listed origins are echoed.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "If-None-Match", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "ETag", "Idempotency-Replayed", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header (CDN-cached reads).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
