// View HTTP handlers.
//
// This file exposes REST endpoints for view counts:
//   - GET  /views/{slug}          (point read)
//   - GET  /views?slugs=a,b       (batch read)
//   - POST /views/{slug}          (record a view)
//   - GET  /views/stats           (aggregate totals)
//   - GET  /views/top             (most viewed slugs)
//   - GET  /views/{slug}/stream   (server-sent live updates)
//
// Handlers are transport-thin: they validate inputs, delegate to the view
// service, map service errors to the error envelope, and set the CDN caching
// policy. Reads are shared-cacheable; writes and errors are no-store.
package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-view-counter/internal/cache"
	"github.com/tbourn/go-view-counter/internal/domain"
	"github.com/tbourn/go-view-counter/internal/http/middleware"
	"github.com/tbourn/go-view-counter/internal/utils"
)

// maxBatchSlugs caps the batch read.
const maxBatchSlugs = 100

// sseHeartbeat keeps idle event streams open through proxies.
const sseHeartbeat = 25 * time.Second

// ViewService is the application contract the handlers depend on.
type ViewService interface {
	GetCount(ctx context.Context, slug string) (int64, error)
	GetCounts(ctx context.Context, slugs []string) (map[string]int64, error)
	IncrementOnce(ctx context.Context, slug, key string) (domain.IncrementResult, bool, error)
	Subscribe(ctx context.Context, slug string, onUpdate func(int64)) (func(), error)
	Stats(ctx context.Context) (domain.ViewStats, error)
	Top(ctx context.Context, limit int) ([]domain.SlugCount, error)
	Ping(ctx context.Context) error
	CacheStats() cache.Stats
	CacheTTL() time.Duration
}

// Handlers aggregates the dependencies for HTTP handlers.
type Handlers struct {
	views ViewService
}

// New constructs a Handlers instance bound to the view service.
func New(views ViewService) *Handlers {
	return &Handlers{views: views}
}

//
// DTOs
//

// ViewCountResponse is the body of a point read.
type ViewCountResponse struct {
	Slug      string `json:"slug" example:"hello-world"`
	ViewCount int64  `json:"view_count" example:"1234"`
	// Display is set when ?format=full or ?format=compact is requested.
	Display string `json:"display,omitempty" example:"1.2k"`
}

// TopResponse lists the most viewed slugs.
type TopResponse struct {
	Items []domain.SlugCount `json:"items"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	CacheSize int    `json:"cache_size" example:"12"`
}

//
// Helpers
//

func display(format string, n int64) string {
	switch format {
	case "full":
		return domain.FormatViewCount(n)
	case "compact":
		return domain.CompactViewCount(n)
	}
	return ""
}

//
// Handlers
//

// GetCount godoc
// @ID          getViewCount
// @Summary     Read the view count of a slug
// @Description Returns the current count; never-viewed slugs read as 0.
// @Description Responses carry a weak ETag and honor If-None-Match.
// @Tags        Views
// @Produce     json
//
// @Param       slug    path   string  true   "Content slug"  example(hello-world)
// @Param       format  query  string  false  "Add a display string"  Enums(full, compact)
//
// @Success     200  {object}  handlers.ViewCountResponse
// @Success     304  "Not modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid slug"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /views/{slug} [get]
func (h *Handlers) GetCount(c *gin.Context) {
	slug := c.Param("slug")
	n, err := h.views.GetCount(c.Request.Context(), slug)
	if err != nil {
		failView(c, err)
		return
	}
	slug, _ = domain.ValidateSlug(slug)

	cacheFor(c, h.views.CacheTTL())
	etag := fmt.Sprintf(`W/"views:%s:%d"`, slug, n)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, ViewCountResponse{Slug: slug, ViewCount: n, Display: display(c.Query("format"), n)})
}

// GetCounts godoc
// @ID          getViewCounts
// @Summary     Read view counts for several slugs
// @Description Comma-separated slugs; blanks and duplicates are dropped.
// @Description Returns an object mapping each slug to its count.
// @Tags        Views
// @Produce     json
//
// @Param       slugs  query  string  true  "Comma-separated slugs"  example(a,b,c)
//
// @Success     200  {object}  map[string]int64
// @Failure     400  {object}  handlers.ErrorResponse  "Missing or invalid slugs"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /views [get]
func (h *Handlers) GetCounts(c *gin.Context) {
	raw, present := c.GetQuery("slugs")
	if !present {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "slugs query parameter is required")
		return
	}
	slugs := domain.NormalizeSlugs(raw)
	if len(slugs) > maxBatchSlugs {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("too many slugs: max %d", maxBatchSlugs))
		return
	}

	counts, err := h.views.GetCounts(c.Request.Context(), slugs)
	if err != nil {
		failView(c, err)
		return
	}
	cacheFor(c, h.views.CacheTTL())
	ok(c, http.StatusOK, counts)
}

// Increment godoc
// @ID          incrementViewCount
// @Summary     Record a view
// @Description Counts one view unless the slug was viewed within the cooldown
// @Description window or tracking is disabled; then skipped is true and the
// @Description current count is returned. Supports Idempotency-Key replays.
// @Tags        Views
// @Produce     json
//
// @Param       slug             path    string  true   "Content slug"  example(hello-world)
// @Param       Idempotency-Key  header  string  false  "Key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
//
// @Success     200  {object}  domain.IncrementResult
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid slug"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /views/{slug} [post]
func (h *Handlers) Increment(c *gin.Context) {
	noStore(c)
	key, _ := middleware.GetIdempotencyKey(c)

	res, replayed, err := h.views.IncrementOnce(c.Request.Context(), c.Param("slug"), key)
	if err != nil {
		failView(c, err)
		return
	}
	if replayed {
		middleware.MarkReplayed(c)
	}
	ok(c, http.StatusOK, res)
}

// Stats godoc
// @ID          viewStats
// @Summary     Aggregate view statistics
// @Tags        Views
// @Produce     json
// @Success     200  {object}  domain.ViewStats
// @Failure     501  {object}  handlers.ErrorResponse  "Store does not aggregate"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /views/stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	st, err := h.views.Stats(c.Request.Context())
	if err != nil {
		failView(c, err)
		return
	}
	cacheFor(c, h.views.CacheTTL())
	ok(c, http.StatusOK, st)
}

// Top godoc
// @ID          topViews
// @Summary     Most viewed slugs
// @Tags        Views
// @Produce     json
// @Param       limit  query  int  false  "Number of slugs"  minimum(1) maximum(100) default(10)
// @Success     200  {object}  handlers.TopResponse
// @Failure     501  {object}  handlers.ErrorResponse  "Store does not aggregate"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /views/top [get]
func (h *Handlers) Top(c *gin.Context) {
	limit := utils.LimitParam(c.Query("limit"), 10, 100)
	items, err := h.views.Top(c.Request.Context(), limit)
	if err != nil {
		failView(c, err)
		return
	}
	if items == nil {
		items = []domain.SlugCount{}
	}
	cacheFor(c, h.views.CacheTTL())
	ok(c, http.StatusOK, TopResponse{Items: items})
}

// Stream godoc
// @ID          streamViewCount
// @Summary     Live view count (server-sent events)
// @Description Emits a "views" event with the current count, then one per change.
// @Tags        Live
// @Produce     text/event-stream
// @Param       slug  path  string  true  "Content slug"
// @Success     200  "event stream"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid slug"
// @Failure     503  {object}  handlers.ErrorResponse  "Live updates unavailable"
// @Router      /views/{slug}/stream [get]
func (h *Handlers) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	slug, _ := domain.ValidateSlug(c.Param("slug"))

	// Holds at most the newest undelivered count.
	latest := make(chan int64, 1)
	cancel, err := h.views.Subscribe(ctx, c.Param("slug"), func(n int64) {
		for {
			select {
			case latest <- n:
				return
			default:
				select {
				case <-latest:
				default:
				}
			}
		}
	})
	if err != nil {
		failView(c, err)
		return
	}
	defer cancel()

	noStore(c)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case n := <-latest:
			c.SSEvent("views", gin.H{"slug": slug, "view_count": n})
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{})
			return true
		}
	})
}

// Health godoc
// @ID          health
// @Summary     Liveness and cache size
// @Tags        Health
// @Produce     json
// @Success     200  {object}  handlers.HealthResponse
// @Success     503  {object}  handlers.HealthResponse  "Store unreachable"
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	noStore(c)
	resp := HealthResponse{Status: "ok", CacheSize: h.views.CacheStats().Size}
	if err := h.views.Ping(c.Request.Context()); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("health: store ping failed")
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	ok(c, http.StatusOK, resp)
}
