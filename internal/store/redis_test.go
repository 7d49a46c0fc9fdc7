package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const window = 30 * time.Minute

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func newRedisStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts...), mr
}

func TestIncrement_CreatesThenCooldown(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	n, ok, err := s.Increment(ctx, "post", t0, window)
	if err != nil || !ok || n != 1 {
		t.Fatalf("first Increment = (%d, %v, %v); want (1, true, nil)", n, ok, err)
	}
	if got := mr.HGet(DefaultPrefix+"post", "last_read_at"); got == "" {
		t.Fatalf("last_read_at not stored")
	}

	n, ok, err = s.Increment(ctx, "post", t0.Add(10*time.Minute), window)
	if err != nil || ok || n != 1 {
		t.Fatalf("inside window = (%d, %v, %v); want (1, false, nil)", n, ok, err)
	}

	n, ok, err = s.Increment(ctx, "post", t0.Add(window), window)
	if err != nil || !ok || n != 2 {
		t.Fatalf("at boundary = (%d, %v, %v); want (2, true, nil)", n, ok, err)
	}

	rec, err := s.GetRecord(ctx, "post")
	if err != nil || rec == nil {
		t.Fatalf("GetRecord: %v, %v", rec, err)
	}
	if rec.ViewCount != 2 || *rec.LastReadAt != t0.Add(window).UnixMilli() || !rec.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestIncrement_ZeroWindowAcceptsAll(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		n, ok, err := s.Increment(ctx, "p", t0, 0)
		if err != nil || !ok || n != i {
			t.Fatalf("Increment #%d = (%d, %v, %v)", i, n, ok, err)
		}
	}
}

func TestIncrement_ConcurrentAcceptsOnce(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Increment(ctx, "hot", t0, window)
			if err != nil {
				t.Errorf("Increment: %v", err)
				return
			}
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("accepted = %d; want 1", accepted)
	}
}

func TestIncrement_ConcurrentZeroWindowCountsEveryView(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Increment(ctx, "busy", t0, 0)
			if err != nil || !ok {
				t.Errorf("Increment = (%v, %v); want accepted", ok, err)
			}
		}()
	}
	wg.Wait()

	rec, err := s.GetRecord(ctx, "busy")
	if err != nil || rec == nil || rec.ViewCount != workers {
		t.Fatalf("GetRecord = (%+v, %v); want count %d", rec, err, workers)
	}
}

func TestGetRecord_Missing(t *testing.T) {
	s, _ := newRedisStore(t)
	rec, err := s.GetRecord(context.Background(), "none")
	if err != nil || rec != nil {
		t.Fatalf("GetRecord(missing) = (%v, %v); want (nil, nil)", rec, err)
	}
}

func TestGetCounts_ZeroFill(t *testing.T) {
	s, _ := newRedisStore(t, WithPrefix("test:"))
	ctx := context.Background()

	got, err := s.GetCounts(ctx, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty GetCounts = (%v, %v)", got, err)
	}

	if _, _, err := s.Increment(ctx, "a", t0, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Increment(ctx, "a", t0, 0); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCounts(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("GetCounts: %v", err)
	}
	if got["a"] != 2 || got["b"] != 0 || len(got) != 2 {
		t.Fatalf("GetCounts = %v", got)
	}
}

func TestSeed_SetsCountAndReadTime(t *testing.T) {
	s, _ := newRedisStore(t, WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	if err := s.Seed(ctx, "old", 250, nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	rec, _ := s.GetRecord(ctx, "old")
	if rec.ViewCount != 250 || *rec.LastReadAt != t0.UnixMilli() {
		t.Fatalf("seeded record = %+v", rec)
	}
	// Seeded read time gates the next view.
	if _, ok, _ := s.Increment(ctx, "old", t0.Add(time.Minute), window); ok {
		t.Fatalf("view inside window after seed should be rejected")
	}

	past := t0.Add(-time.Hour)
	if err := s.Seed(ctx, "old", 300, &past); err != nil {
		t.Fatalf("Seed overwrite: %v", err)
	}
	n, ok, err := s.Increment(ctx, "old", t0, window)
	if err != nil || !ok || n != 301 {
		t.Fatalf("Increment after reseed = (%d, %v, %v)", n, ok, err)
	}
}

func TestStore_UnavailableServer(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, _, err := s.Increment(ctx, "x", t0, window); err == nil {
		t.Fatalf("expected error from closed server")
	}
	if _, err := s.GetCounts(ctx, []string{"x"}); err == nil {
		t.Fatalf("expected error from closed server")
	}
	if err := s.Ping(ctx); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := Dial(context.Background(), "::not a url::"); err == nil {
		t.Fatalf("expected parse error")
	}
}
