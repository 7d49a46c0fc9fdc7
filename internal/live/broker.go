// Package live implements the live update channel. A Broker fans count
// changes out to in-process subscribers; a NATSRelay carries changes between
// server instances; a Hub exposes subscriptions to browsers over WebSocket.
//
// Every subscriber has its own delivery goroutine, so a slow callback never
// blocks publishers or other subscribers. Deliveries to one subscriber are
// ordered and strictly increasing: a value not greater than the last one
// delivered is dropped unless it is a reset.
package live

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// maxPending bounds the per-subscriber queue. When it is full the newest
// value replaces the tail, so a stalled subscriber skips intermediate counts
// but still converges on the latest one.
const maxPending = 256

// Notifier publishes a new count for a slug.
type Notifier interface {
	Notify(ctx context.Context, slug string, count int64) error
}

type update struct {
	count int64
	reset bool
}

// Subscription is a single registration returned by Broker.Subscribe.
type Subscription struct {
	id     uuid.UUID
	slug   string
	broker *Broker
	fn     func(int64)

	mu       sync.Mutex
	queue    []update
	last     int64
	started  bool
	canceled bool
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once

	// deliverMu is held from the canceled check until the callback returns.
	deliverMu  sync.Mutex
	inCallback atomic.Bool
}

// Broker is an in-memory fan-out keyed by slug. It is safe for concurrent
// use. The zero value is not usable; call NewBroker.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[uuid.UUID]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[uuid.UUID]*Subscription)}
}

// Subscribe registers fn for slug and returns the subscription. fn runs on
// the subscription's own goroutine. After Cancel returns, fn is not invoked
// again.
func (b *Broker) Subscribe(slug string, fn func(int64)) (*Subscription, error) {
	s := &Subscription{
		id:     uuid.New(),
		slug:   slug,
		broker: b,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := b.subs[slug]
	if !ok {
		set = make(map[uuid.UUID]*Subscription)
		b.subs[slug] = set
	}
	set[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	liveSubscribers.Inc()
	go s.run()
	return s, nil
}

// Publish queues count for every subscriber of slug.
func (b *Broker) Publish(slug string, count int64) {
	b.publish(slug, update{count: count})
}

// Reset queues count for every subscriber of slug, bypassing the
// increasing-only filter. Used after administrative rewrites.
func (b *Broker) Reset(slug string, count int64) {
	b.publish(slug, update{count: count, reset: true})
}

// Notify implements Notifier for single-instance deployments.
func (b *Broker) Notify(_ context.Context, slug string, count int64) error {
	b.Publish(slug, count)
	return nil
}

func (b *Broker) publish(slug string, u update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[slug] {
		s.offer(u)
	}
}

// Subscribers returns the number of active subscriptions for slug.
func (b *Broker) Subscribers(slug string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[slug])
}

// Close cancels every subscription and waits for their goroutines to exit.
// It must not be called from a subscriber callback.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for _, s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
	b.wg.Wait()
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.slug]
	if _, ok := set[s.id]; !ok {
		return
	}
	delete(set, s.id)
	if len(set) == 0 {
		delete(b.subs, s.slug)
	}
}

// Offer queues count for this subscriber only. The service uses it to send
// the snapshot read at subscribe time.
func (s *Subscription) Offer(count int64) {
	s.offer(update{count: count})
}

// Done is closed once the subscription is canceled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Slug returns the subscribed slug.
func (s *Subscription) Slug() string { return s.slug }

// Cancel stops delivery and releases the subscription. It is idempotent and
// safe to call from inside the callback. Called from any other goroutine it
// waits for a callback that is being started, so none starts after it
// returns; a callback that was already running when Cancel was called may
// still complete.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.canceled = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		s.broker.remove(s)
		liveSubscribers.Dec()
	})
	if !s.inCallback.Load() {
		// Wait out a delivery that passed its canceled check.
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	}
}

func (s *Subscription) offer(u update) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxPending {
		s.queue[len(s.queue)-1] = u
	} else {
		s.queue = append(s.queue, u)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the next deliverable value. ok is false when nothing is pending
// or the subscription was canceled.
func (s *Subscription) next() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 && !s.canceled {
		u := s.queue[0]
		s.queue = s.queue[1:]
		if s.started && !u.reset && u.count <= s.last {
			continue
		}
		s.started = true
		s.last = u.count
		return u.count, true
	}
	return 0, false
}

func (s *Subscription) run() {
	defer s.broker.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			n, ok := s.next()
			if !ok {
				break
			}
			if !s.deliver(n) {
				return
			}
		}
	}
}

// deliver invokes the callback unless the subscription was canceled after
// the value was dequeued.
func (s *Subscription) deliver(n int64) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	s.fn(n)
	liveDeliveries.Inc()
	return true
}
