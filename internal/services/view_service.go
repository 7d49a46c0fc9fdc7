// Package services holds ViewService, which owns the view-count read and
// write paths. Reads go through the read-through cache and fall back to the
// durable store; concurrent misses for one slug share a single store call.
// Writes run the cooldown-guarded atomic increment in the store, invalidate
// the cached count, and publish the new value on the live channel.
//
// Every store failure (including timeouts) is reported as
// ErrStoreUnavailable so callers never mistake an outage for a zero count.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-view-counter/internal/cache"
	"github.com/tbourn/go-view-counter/internal/domain"
	"github.com/tbourn/go-view-counter/internal/guard"
	"github.com/tbourn/go-view-counter/internal/live"
	"github.com/tbourn/go-view-counter/internal/observability"
)

// DefaultStoreTimeout bounds each store call when none is configured.
const DefaultStoreTimeout = 2 * time.Second

// Store is the durable counter capability required by ViewService.
type Store interface {
	// GetRecord returns the record for slug, or nil when none exists.
	GetRecord(ctx context.Context, slug string) (*domain.ViewRecord, error)

	// GetCounts returns counts for slugs in one round trip; absent slugs map to 0.
	GetCounts(ctx context.Context, slugs []string) (map[string]int64, error)

	// Increment atomically creates or bumps the record when the last accepted
	// read is at least window old, and reports the resulting count.
	Increment(ctx context.Context, slug string, now time.Time, window time.Duration) (count int64, accepted bool, err error)
}

// Seeder is implemented by stores that support administrative writes.
type Seeder interface {
	Seed(ctx context.Context, slug string, count int64, lastReadAt *time.Time) error
}

// StatsStore is implemented by stores that can aggregate across slugs.
type StatsStore interface {
	Stats(ctx context.Context) (domain.ViewStats, error)
	Top(ctx context.Context, limit int) ([]domain.SlugCount, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Notifier publishes accepted counts to live subscribers.
type Notifier interface {
	Notify(ctx context.Context, slug string, count int64) error
}

// Resetter publishes counts that may be lower than the last one delivered.
type Resetter interface {
	NotifyReset(ctx context.Context, slug string, count int64) error
}

// ReceiptStore persists increment outcomes keyed by Idempotency-Key.
type ReceiptStore interface {
	// GetReceipt returns a live receipt for (slug, key), or nil when none exists.
	GetReceipt(ctx context.Context, slug, key string, now time.Time) (*domain.IncrementReceipt, error)
	CreateReceipt(ctx context.Context, key string, res domain.IncrementResult, ttl time.Duration) error
}

// ViewService coordinates the cache, the durable store, the cooldown guard
// and the live channel.
type ViewService struct {
	Store Store
	Cache *cache.TTLCache
	Guard guard.Cooldown

	// Notifier receives accepted counts. Nil disables publishing.
	Notifier Notifier
	// Broker serves local live subscriptions. Nil disables Subscribe.
	Broker *live.Broker

	Receipts   ReceiptStore
	ReceiptTTL time.Duration

	// TrackingEnabled false turns every Increment into a skipped no-op.
	TrackingEnabled bool
	StoreTimeout    time.Duration
	Now             func() time.Time

	group singleflight.Group
}

// NewViewService constructs a ViewService with tracking enabled, the default
// store timeout, and the wall clock.
func NewViewService(store Store, c *cache.TTLCache, g guard.Cooldown) *ViewService {
	return &ViewService{
		Store:           store,
		Cache:           c,
		Guard:           g,
		ReceiptTTL:      24 * time.Hour,
		TrackingEnabled: true,
		StoreTimeout:    DefaultStoreTimeout,
		Now:             time.Now,
	}
}

func tracer() trace.Tracer {
	return observability.Tracer("internal/services")
}

// GetCount returns the count for slug; a never-viewed slug reads as 0.
func (s *ViewService) GetCount(ctx context.Context, slug string) (int64, error) {
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		return 0, err
	}
	ctx, span := tracer().Start(ctx, "ViewService.GetCount",
		trace.WithAttributes(attribute.String("view.slug", slug)))
	defer span.End()

	if n, ok := s.Cache.Get(slug); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return n, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	ch := s.group.DoChan(slug, func() (any, error) {
		// An Increment that lands during the read moves the generation and
		// the result is not cached.
		gen := s.Cache.Gen(slug)
		// Detached so one caller's cancellation does not fail the others.
		sctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
		defer cancel()
		rec, err := s.Store.GetRecord(sctx, slug)
		if err != nil {
			return int64(0), err
		}
		var n int64
		if rec != nil {
			n = rec.ViewCount
		}
		s.Cache.SetIfGen(slug, n, 0, gen)
		return n, nil
	})

	select {
	case <-ctx.Done():
		return 0, s.storeErr("get", slug, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			return 0, s.storeErr("get", slug, res.Err)
		}
		return res.Val.(int64), nil
	}
}

// GetCounts returns counts for every slug in slugs. Cached entries are
// served directly; all misses are fetched with a single store call.
func (s *ViewService) GetCounts(ctx context.Context, slugs []string) (map[string]int64, error) {
	clean := make([]string, 0, len(slugs))
	for _, raw := range slugs {
		slug, err := domain.ValidateSlug(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, raw)
		}
		clean = append(clean, slug)
	}
	if len(clean) == 0 {
		return map[string]int64{}, nil
	}

	ctx, span := tracer().Start(ctx, "ViewService.GetCounts",
		trace.WithAttributes(attribute.Int("view.slugs", len(clean))))
	defer span.End()

	hits, misses := s.Cache.GetMany(clean)
	cacheLookups.WithLabelValues("hit").Add(float64(len(hits)))
	cacheLookups.WithLabelValues("miss").Add(float64(len(misses)))
	if len(misses) == 0 {
		return hits, nil
	}

	gens := s.Cache.Gens(misses)
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	fetched, err := s.Store.GetCounts(sctx, misses)
	if err != nil {
		span.RecordError(err)
		return nil, s.storeErr("get_many", "", err)
	}

	s.Cache.SetManyIfGen(fetched, 0, gens)
	out := make(map[string]int64, len(clean))
	for k, v := range hits {
		out[k] = v
	}
	for _, slug := range misses {
		out[slug] = fetched[slug]
	}
	return out, nil
}

// Increment records one view of slug. A view inside the cooldown window, or
// any view while tracking is disabled, is reported as skipped together with
// the current count.
func (s *ViewService) Increment(ctx context.Context, slug string) (domain.IncrementResult, error) {
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		return domain.IncrementResult{}, err
	}
	ctx, span := tracer().Start(ctx, "ViewService.Increment",
		trace.WithAttributes(attribute.String("view.slug", slug)))
	defer span.End()

	if !s.TrackingEnabled {
		n, err := s.GetCount(ctx, slug)
		if err != nil {
			viewIncrements.WithLabelValues(outcomeError).Inc()
			return domain.IncrementResult{}, err
		}
		viewIncrements.WithLabelValues(outcomeDisabled).Inc()
		return domain.IncrementResult{Slug: slug, ViewCount: n, Skipped: true, Reason: domain.SkipTrackingDisabled}, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, accepted, err := s.Store.Increment(sctx, slug, s.now(), s.Guard.Window())
	if err != nil {
		span.RecordError(err)
		viewIncrements.WithLabelValues(outcomeError).Inc()
		return domain.IncrementResult{}, s.storeErr("increment", slug, err)
	}
	span.SetAttributes(attribute.Bool("view.accepted", accepted), attribute.Int64("view.count", n))

	if !accepted {
		viewIncrements.WithLabelValues(outcomeCooldown).Inc()
		s.Cache.Set(slug, n, 0)
		return domain.IncrementResult{Slug: slug, ViewCount: n, Skipped: true, Reason: domain.SkipCooldown}, nil
	}

	viewIncrements.WithLabelValues(outcomeAccepted).Inc()
	s.Cache.Invalidate(slug)
	s.group.Forget(slug)
	s.notify(ctx, slug, n, false)
	return domain.IncrementResult{Slug: slug, ViewCount: n}, nil
}

// IncrementOnce is Increment keyed by an idempotency key. A key seen before
// for the same slug replays the stored outcome without touching the counter;
// replayed reports whether that happened. Receipt persistence is best effort.
func (s *ViewService) IncrementOnce(ctx context.Context, slug, key string) (res domain.IncrementResult, replayed bool, err error) {
	if key == "" || s.Receipts == nil {
		res, err = s.Increment(ctx, slug)
		return res, false, err
	}
	slug, err = domain.ValidateSlug(slug)
	if err != nil {
		return domain.IncrementResult{}, false, err
	}

	rec, lerr := s.Receipts.GetReceipt(ctx, slug, key, s.now().UTC())
	if lerr != nil {
		log.Warn().Err(lerr).Str("slug", slug).Msg("receipt lookup failed")
	}
	if rec != nil {
		viewIncrements.WithLabelValues(outcomeReplayed).Inc()
		return rec.Result(), true, nil
	}

	res, err = s.Increment(ctx, slug)
	if err != nil {
		return res, false, err
	}
	if cerr := s.Receipts.CreateReceipt(ctx, key, res, s.ReceiptTTL); cerr != nil {
		log.Warn().Err(cerr).Str("slug", slug).Msg("receipt not stored")
	}
	return res, false, nil
}

// Subscribe registers onUpdate for slug. It first delivers the current count
// and then every accepted change. The returned function cancels the
// subscription; so does ending ctx. When the initial read fails the
// subscription stays open and the first delivery is the next change.
func (s *ViewService) Subscribe(ctx context.Context, slug string, onUpdate func(int64)) (func(), error) {
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		return nil, err
	}
	if s.Broker == nil {
		return nil, ErrChannelUnavailable
	}
	sub, err := s.Broker.Subscribe(slug, onUpdate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	if n, err := s.GetCount(ctx, slug); err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("live: initial count unavailable")
	} else {
		sub.Offer(n)
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.Done():
		}
	}()
	return sub.Cancel, nil
}

// Seed sets the count and read time of slug. lastReadAt nil means now.
// Subscribers receive the new count even when it is lower than before.
func (s *ViewService) Seed(ctx context.Context, slug string, count int64, lastReadAt *time.Time) error {
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		return err
	}
	if count < 1 {
		return ErrInvalidSeed
	}
	seeder, ok := s.Store.(Seeder)
	if !ok {
		return ErrUnsupported
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := seeder.Seed(sctx, slug, count, lastReadAt); err != nil {
		return s.storeErr("seed", slug, err)
	}
	s.Cache.Invalidate(slug)
	s.group.Forget(slug)
	s.notify(ctx, slug, count, true)
	return nil
}

// Stats returns aggregate counts when the store supports them.
func (s *ViewService) Stats(ctx context.Context) (domain.ViewStats, error) {
	st, ok := s.Store.(StatsStore)
	if !ok {
		return domain.ViewStats{}, ErrUnsupported
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	out, err := st.Stats(sctx)
	if err != nil {
		return domain.ViewStats{}, s.storeErr("stats", "", err)
	}
	return out, nil
}

// Top returns the most viewed slugs when the store supports it.
func (s *ViewService) Top(ctx context.Context, limit int) ([]domain.SlugCount, error) {
	st, ok := s.Store.(StatsStore)
	if !ok {
		return nil, ErrUnsupported
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	out, err := st.Top(sctx, limit)
	if err != nil {
		return nil, s.storeErr("stats", "", err)
	}
	return out, nil
}

// Ping reports store connectivity. Stores without a Pinger are assumed up.
func (s *ViewService) Ping(ctx context.Context) error {
	p, ok := s.Store.(Pinger)
	if !ok {
		return nil
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := p.Ping(sctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// CacheStats reports the read-through cache contents.
func (s *ViewService) CacheStats() cache.Stats {
	return s.Cache.Stats()
}

// CacheTTL is the freshness window readers may assume for a count.
func (s *ViewService) CacheTTL() time.Duration {
	if s.Cache == nil {
		return 0
	}
	return s.Cache.TTL()
}

// notify publishes n on the live channel. Failures are logged only: the
// increment itself already succeeded.
func (s *ViewService) notify(ctx context.Context, slug string, n int64, reset bool) {
	if s.Notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if r, ok := s.Notifier.(Resetter); ok && reset {
		err = r.NotifyReset(ctx, slug, n)
	} else {
		err = s.Notifier.Notify(ctx, slug, n)
	}
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %w", ErrChannelUnavailable, err)).
			Str("slug", slug).Int64("view_count", n).Msg("live: notify failed")
	}
}

func (s *ViewService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.StoreTimeout
	if d <= 0 {
		d = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, d)
}

func (s *ViewService) storeErr(op, slug string, err error) error {
	storeErrors.WithLabelValues(op).Inc()
	l := log.Error().Err(err).Str("op", op)
	if slug != "" {
		l = l.Str("slug", slug)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		l = l.Bool("timeout", true)
	}
	l.Msg("view store failure")
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (s *ViewService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
