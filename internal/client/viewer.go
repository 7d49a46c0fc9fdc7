package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-view-counter/internal/domain"
)

// TrackOptions tunes a single Track call.
type TrackOptions struct {
	// Draft subscribes to the count but never records a view.
	Draft bool
}

// Viewer is what a page does when it opens: show the count, keep it live, and
// record one view unless this reader was counted recently.
type Viewer struct {
	Client    *Client
	Guard     *Guard
	Connector *Connector
	Log       zerolog.Logger

	// IncrementRetries bounds retries of a failed increment. The same
	// Idempotency-Key is reused, so a retry never counts twice.
	IncrementRetries uint64
}

// NewViewer wires a viewer from its parts. connector may be nil, in which
// case every Track uses a point read.
func NewViewer(c *Client, g *Guard, connector *Connector) *Viewer {
	return &Viewer{
		Client:           c,
		Guard:            g,
		Connector:        connector,
		Log:              log.Logger,
		IncrementRetries: 2,
	}
}

// Track shows slug to onUpdate and records a view. With a live connection,
// onUpdate receives the current count and then every change until stop is
// called. Without one, Track reads the count once, records the view, and
// reports the count the server returned.
//
// Track returns an error wrapping ErrUnavailable when no count could be
// obtained at all; the caller must show the count as unknown.
func (v *Viewer) Track(ctx context.Context, slug string, opts TrackOptions, onUpdate func(int64)) (stop func(), err error) {
	slug, err = domain.ValidateSlug(slug)
	if err != nil {
		return nil, err
	}
	if onUpdate == nil {
		onUpdate = func(int64) {}
	}
	v.Guard.CleanupStale()

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &tracking{ctx: bg}

	unsub, err := v.subscribe(ctx, slug, opts, onUpdate, t)
	if err == nil {
		var once sync.Once
		return func() {
			once.Do(func() {
				unsub()
				cancel()
				t.stop()
			})
		}, nil
	}
	v.Log.Debug().Err(err).Str("slug", slug).Msg("viewer: live channel unavailable; using point read")

	n, err := v.Client.GetCount(ctx, slug)
	if err != nil {
		cancel()
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	onUpdate(n)

	if v.shouldCount(slug, opts) {
		res, err := v.increment(ctx, slug)
		switch {
		case err != nil:
			v.Log.Warn().Err(err).Str("slug", slug).Msg("viewer: increment failed")
		case res.ViewCount != n:
			onUpdate(res.ViewCount)
		}
	}
	cancel()
	return func() {}, nil
}

// subscribe registers onUpdate on the shared live connection. The first
// delivery triggers the view, whose new count then arrives on the channel.
func (v *Viewer) subscribe(ctx context.Context, slug string, opts TrackOptions, onUpdate func(int64), t *tracking) (func(), error) {
	lc, err := v.Connector.Get(ctx)
	if err != nil {
		return nil, err
	}
	var first sync.Once
	return lc.Subscribe(slug, func(n int64) {
		first.Do(func() {
			if !v.shouldCount(slug, opts) {
				return
			}
			t.goIncrement(func(ctx context.Context) {
				if _, err := v.increment(ctx, slug); err != nil && ctx.Err() == nil {
					v.Log.Warn().Err(err).Str("slug", slug).Msg("viewer: increment failed")
				}
			})
		})
		onUpdate(n)
	})
}

// tracking owns the background increment of one Track call.
type tracking struct {
	ctx context.Context

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func (t *tracking) goIncrement(fn func(context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
}

func (t *tracking) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.wg.Wait()
}

// shouldCount checks and sets the client guard. The mark is written before
// the request so two tabs opening together send one increment.
func (v *Viewer) shouldCount(slug string, opts TrackOptions) bool {
	if opts.Draft {
		return false
	}
	return v.Guard.TryMark(slug)
}

func (v *Viewer) increment(ctx context.Context, slug string) (domain.IncrementResult, error) {
	key := uuid.NewString()
	var res domain.IncrementResult

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, v.IncrementRetries), ctx)

	err := backoff.Retry(func() error {
		r, err := v.Client.Increment(ctx, slug, key)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}, b)
	return res, err
}
